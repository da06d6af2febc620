// Package engine is the central orchestrator of the grid bot.
//
// It wires together all subsystems:
//
//  1. Bootstrap: asset metadata, fee schedule, start-price discovery,
//     grid restore (or fresh ladder), ledger rebuild from chain totals.
//  2. One task loop owns every grid and ledger mutation: fills, syncs,
//     rebalance cycles, and control commands all run on it, serialized
//     between I/O suspension points.
//  3. The fill feed, node-health monitor, and control server run as
//     background goroutines and talk to the loop over channels.
//
// Lifecycle: New() → Start() → [runs until context cancel] → Stop().
// Fatal conditions surface on Fatal(): an exit code for the CLI.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gridmaker/internal/audit"
	"gridmaker/internal/chain"
	"gridmaker/internal/chainsync"
	"gridmaker/internal/config"
	"gridmaker/internal/funds"
	"gridmaker/internal/grid"
	"gridmaker/internal/health"
	"gridmaker/internal/pipeline"
	"gridmaker/internal/pricefeed"
	"gridmaker/internal/store"
	"gridmaker/internal/strategy"
	"gridmaker/pkg/types"
)

// Exit codes surfaced to the CLI.
const (
	ExitClean          = 0
	ExitConfig         = 1
	ExitRecoveryFailed = 2
	ExitChainFatal     = 3
)

// Deps are the engine's external collaborators. Client and Store are
// required; Feed, Health, and Prices may be nil (the engine tests leave
// them out).
type Deps struct {
	Client chain.Client
	Store  *store.Store
	Feed   *chain.Feed
	Health *health.Monitor
	Prices *pricefeed.Feed
	Logger *slog.Logger
}

// command is a control-surface request handled on the task loop.
type command struct {
	kind string
	n    int
	done chan any
}

// Snapshot is the control surface's view of the bot.
type Snapshot struct {
	State    string                  `json:"state"`
	Boundary int                     `json:"boundary"`
	Version  uint64                  `json:"version"`
	Funds    funds.Snapshot          `json:"funds"`
	Orders   map[string]*types.Order `json:"orders"`
}

// Engine owns the bot lifecycle and the single task loop.
type Engine struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger
	stream *audit.Stream

	botKey  string
	pair    chainsync.Pair
	master  *grid.Master
	acct    *funds.Accountant
	planner *strategy.Planner
	pipe    *pipeline.Pipeline
	syncer  *chainsync.Engine

	stateMu      sync.Mutex // guards boundary against control-surface reads
	boundary     int
	pendingFills []strategy.FillEvent
	fillQueue    []types.FillOp

	ctrlCh  chan command
	fatalCh chan int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine; Bootstrap builds the trading state.
func New(cfg config.Config, deps Deps, stream *audit.Stream) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With("component", "engine"),
		stream:  stream,
		ctrlCh:  make(chan command, 8),
		fatalCh: make(chan int, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Fatal returns the channel carrying a fatal exit code.
func (e *Engine) Fatal() <-chan int { return e.fatalCh }

// Bootstrap fetches chain metadata, restores or builds the grid, and
// reconciles the ledger against chain ground truth.
func (e *Engine) Bootstrap(ctx context.Context) error {
	base, err := e.deps.Client.GetAsset(ctx, e.cfg.Grid.AssetA)
	if err != nil {
		return fmt.Errorf("resolve asset %s: %w", e.cfg.Grid.AssetA, err)
	}
	quote, err := e.deps.Client.GetAsset(ctx, e.cfg.Grid.AssetB)
	if err != nil {
		return fmt.Errorf("resolve asset %s: %w", e.cfg.Grid.AssetB, err)
	}
	e.pair = chainsync.Pair{
		BaseAssetID:    base.ID,
		QuoteAssetID:   quote.ID,
		BasePrecision:  base.Precision,
		QuotePrecision: quote.Precision,
		MinOrderSize:   base.MinOrderSize,
	}
	e.botKey = fmt.Sprintf("%s-%s-%s", e.cfg.Account.ID, base.Symbol, quote.Symbol)

	fees, err := e.deps.Client.GetFeeSchedule(ctx)
	if err != nil {
		return fmt.Errorf("fee schedule: %w", err)
	}

	e.acct = funds.New(quote.Precision, base.Precision, fees, e.deps.Logger)
	e.acct.StartBootstrap()
	defer e.acct.FinishBootstrap()

	params := strategy.Params{Grid: e.cfg.Grid, MinOrderBase: base.MinOrderSize}
	e.planner = strategy.New(params, e.deps.Logger)

	// Restore the grid, or lay a fresh ladder around the start price.
	boundary, orders, err := e.deps.Store.ReadGrid(e.botKey)
	if err != nil {
		return fmt.Errorf("restore grid: %w", err)
	}
	startPrice, err := e.startPrice(ctx)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		min, max, berr := e.cfg.Grid.PriceBounds(startPrice)
		if berr != nil {
			return berr
		}
		orders, err = strategy.NewLadder(params, startPrice, min, max)
		if err != nil {
			return err
		}
		e.logger.Info("fresh grid laid", "slots", len(orders), "start_price", startPrice)
	}

	e.master, err = grid.NewMaster(orders, e.acct, e.deps.Logger)
	if err != nil {
		return err
	}
	e.syncer = chainsync.New(e.pair, e.master, e.acct, e.deps.Logger)

	// Ledger from ground truth: totals, then the open-orders snapshot,
	// then the committed sums from the restored grid.
	if err := e.refreshTotals(ctx); err != nil {
		return err
	}
	if _, err := e.syncFromChain(ctx); err != nil {
		return err
	}
	e.acct.RebuildFromView(e.master.Freeze().Orders)

	cache, err := e.deps.Store.ReadCacheFunds(e.botKey)
	if err != nil {
		return fmt.Errorf("restore cache funds: %w", err)
	}
	e.acct.SetCacheFunds(types.SideBuy, cache.Buy)
	e.acct.SetCacheFunds(types.SideSell, cache.Sell)

	if boundary > 0 {
		e.boundary = boundary
	} else {
		e.boundary = strategy.RecoverBoundary(params, e.master.Freeze(), startPrice)
	}

	e.pipe = pipeline.New(e.master, e.acct, e.planner, e.deps.Client, e.deps.Logger)
	e.syncer.SetFillNotifier(e.pipe)

	e.logger.Info("bootstrap complete",
		"bot_key", e.botKey,
		"boundary", e.boundary,
		"slots", len(e.master.Freeze().Orders),
	)
	return nil
}

func (e *Engine) startPrice(ctx context.Context) (float64, error) {
	if e.deps.Prices != nil {
		return e.deps.Prices.StartPrice(ctx, e.cfg.Grid)
	}
	p, err := e.cfg.Grid.NumericStartPrice()
	if err != nil {
		return 0, err
	}
	if p == 0 {
		return 0, fmt.Errorf("%w: start_price %q needs price discovery", config.ErrInvalidConfig, e.cfg.Grid.StartPrice)
	}
	return p, nil
}

// Start launches the background goroutines and the task loop.
func (e *Engine) Start() {
	if e.deps.Feed != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.deps.Feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("fill feed stopped", "error", err)
			}
		}()
	}
	if e.deps.Health != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.deps.Health.Run(e.ctx)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run()
	}()
}

// Stop shuts the engine down and persists final state.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
	if e.master != nil {
		if err := e.persist(); err != nil {
			e.logger.Error("final persist failed", "error", err)
		}
	}
	e.logger.Info("engine stopped")
}

// run is the single task loop: the only goroutine that mutates the
// grid, the ledger, or the boundary.
func (e *Engine) run() {
	ticker := time.NewTicker(e.cfg.Grid.RefreshInterval)
	defer ticker.Stop()

	var fillCh <-chan types.FillOp
	if e.deps.Feed != nil {
		fillCh = e.deps.Feed.Fills()
	}
	var failoverCh <-chan health.Failover
	if e.deps.Health != nil {
		failoverCh = e.deps.Health.FailoverCh()
	}

	for {
		select {
		case <-e.ctx.Done():
			return

		case op := <-fillCh:
			e.fillQueue = append(e.fillQueue, op)
			e.drainFills()

		case f := <-failoverCh:
			if f.Fatal {
				e.fatal(ExitChainFatal, "all nodes unhealthy")
				return
			}
			if e.deps.Feed != nil {
				e.deps.Feed.SetURL(f.URL)
			}

		case cmd := <-e.ctrlCh:
			e.handleCommand(cmd)

		case <-ticker.C:
			e.cycle()
		}
	}
}

// drainFills settles a batch of queued fill operations. The batch size
// scales with queue depth so bursts converge instead of thrashing.
func (e *Engine) drainFills() {
	batch := pipeline.FillBatchSize(len(e.fillQueue))
	for i := 0; i < batch && len(e.fillQueue) > 0; i++ {
		op := e.fillQueue[0]
		e.fillQueue = e.fillQueue[1:]

		outcome, err := e.syncer.SyncFromFillHistory(op)
		if err != nil {
			e.stream.Warn(audit.ErrorWarnings, "fill settle failed", map[string]any{"op": op.ID, "error": err.Error()})
			continue
		}
		if outcome == nil {
			continue
		}
		e.pendingFills = append(e.pendingFills, strategy.FillEvent{
			SlotID: outcome.SlotID,
			Side:   outcome.Side,
			Full:   outcome.Full,
		})
		e.stream.Info(audit.FillEvents, "fill settled", map[string]any{
			"slot": outcome.SlotID, "side": string(outcome.Side), "full": outcome.Full, "pays": outcome.Pays,
		})
		if err := e.persistCache(); err != nil {
			e.logger.Error("cache persist failed", "error", err)
		}
	}
}

// cycle is one rebalance round: snapshot sync, plan/broadcast/commit,
// persistence, invariant verification.
func (e *Engine) cycle() {
	ctx := e.ctx

	if _, err := e.syncFromChain(ctx); err != nil {
		e.stream.Warn(audit.ErrorWarnings, "snapshot sync failed", map[string]any{"error": err.Error()})
		e.reportChainFault(err)
		return
	}

	res, err := e.pipe.RunCycle(ctx, e.pendingFills, e.Boundary())
	if err != nil {
		e.stream.Warn(audit.ErrorWarnings, "rebalance cycle failed", map[string]any{"error": err.Error()})
		switch {
		case errors.Is(err, funds.ErrInvariantViolation):
			e.recover()
		case errors.Is(err, pipeline.ErrPipelineTimeout):
			// Maintenance: the broadcast outcome is unknown; re-sync
			// against the chain and verify the ledger.
			if _, serr := e.syncFromChain(ctx); serr != nil {
				e.reportChainFault(serr)
			}
			if verr := e.acct.VerifyInvariants(); verr != nil {
				e.recover()
			}
		}
		e.reportChainFault(err)
		return
	}
	if res.Boundary != e.Boundary() {
		e.stream.Info(audit.BoundaryEvents, "boundary moved", map[string]any{
			"from": e.Boundary(), "to": res.Boundary,
		})
		e.setBoundary(res.Boundary)
	}
	if res.Committed {
		e.pendingFills = nil
		if err := e.persist(); err != nil {
			e.logger.Error("persist failed", "error", err)
		}
	}
	// A stale refusal keeps pendingFills: the next cycle replans them.

	if err := e.refreshTotals(ctx); err != nil {
		e.reportChainFault(err)
		return
	}
	e.acct.SettleBtsFees(types.SideBuy)
	e.acct.SettleBtsFees(types.SideSell)
	if err := e.acct.VerifyInvariants(); err != nil {
		e.recover()
	} else {
		e.acct.ResetRecovery()
	}
}

// syncFromChain reconciles against the open-orders snapshot and
// dispatches the resulting surplus cancels and price corrections.
func (e *Engine) syncFromChain(ctx context.Context) (chainsync.Result, error) {
	orders, err := e.deps.Client.GetOpenOrders(ctx, e.cfg.Account.ID)
	if err != nil {
		return chainsync.Result{}, err
	}
	res, err := e.syncer.SyncFromOpenOrders(orders)
	if err != nil {
		return res, err
	}

	var actions []types.Action
	for _, id := range res.SurplusCancels {
		actions = append(actions, types.Action{Kind: types.ActionCancel, ChainOrderID: id})
	}
	for _, c := range res.Corrections {
		slot := e.master.Get(c.SlotID)
		if slot == nil {
			continue
		}
		actions = append(actions, types.Action{
			Kind:         types.ActionUpdate,
			SlotID:       c.SlotID,
			ChainOrderID: c.ChainOrderID,
			Type:         slot.Type,
			Price:        c.WantPrice,
			Size:         slot.Size,
		})
		e.stream.Warn(audit.EdgeCases, "price correction queued", map[string]any{
			"slot": c.SlotID, "want": c.WantPrice, "got": c.GotPrice,
		})
	}
	if len(actions) > 0 {
		if _, berr := e.deps.Client.BroadcastBatch(ctx, actions); berr != nil {
			e.stream.Warn(audit.ErrorWarnings, "surplus/correction broadcast failed", map[string]any{"error": berr.Error()})
		}
	}
	for _, slotID := range res.FilledSlots {
		e.pendingFills = append(e.pendingFills, strategy.FillEvent{SlotID: slotID, Full: true,
			Side: e.sideOfFilled(e.master.Get(slotID))})
	}
	return res, nil
}

// sideOfFilled recovers the filled side for a slot the snapshot sync
// already virtualized. RawOnChain survives virtualization; which asset
// the chain order sold tells us which ledger it drew from.
func (e *Engine) sideOfFilled(o *types.Order) types.Side {
	if o != nil && o.RawOnChain != nil && o.RawOnChain.SellPrice.Base.AssetID == e.pair.BaseAssetID {
		return types.SideSell
	}
	return types.SideBuy
}

func (e *Engine) refreshTotals(ctx context.Context) error {
	totals, err := e.deps.Client.GetAccountTotals(ctx, e.cfg.Account.ID)
	if err != nil {
		return err
	}
	if b, ok := totals[e.pair.QuoteAssetID]; ok {
		e.acct.SetAccountTotals(types.SideBuy, b.Total, b.Free)
	}
	if b, ok := totals[e.pair.BaseAssetID]; ok {
		e.acct.SetAccountTotals(types.SideSell, b.Total, b.Free)
	}
	return nil
}

// recover runs one step of the fund-recovery loop; exhaustion is fatal
// (exit code 2).
func (e *Engine) recover() {
	err := e.acct.AttemptFundRecovery(e.ctx, func(ctx context.Context) error {
		orders, err := e.deps.Client.GetOpenOrders(ctx, e.cfg.Account.ID)
		if err != nil {
			return err
		}
		if _, err := e.syncer.SyncFromOpenOrders(orders); err != nil {
			return err
		}
		if err := e.refreshTotals(ctx); err != nil {
			return err
		}
		e.acct.RebuildFromView(e.master.Freeze().Orders)
		return nil
	})
	if errors.Is(err, funds.ErrRecoveryExhausted) {
		e.fatal(ExitRecoveryFailed, "fund recovery exhausted")
		return
	}
	if err != nil {
		e.stream.Warn(audit.ErrorWarnings, "fund recovery attempt failed", map[string]any{"error": err.Error()})
	}
}

func (e *Engine) reportChainFault(err error) {
	if e.deps.Health != nil && errors.Is(err, chain.ErrChainTransient) {
		e.deps.Health.ReportFault(e.deps.Health.Active())
	}
}

func (e *Engine) fatal(code int, reason string) {
	e.logger.Error("fatal", "code", code, "reason", reason)
	select {
	case e.fatalCh <- code:
	default:
	}
	e.cancel()
}

// persist saves the grid, boundary, and cache funds.
func (e *Engine) persist() error {
	view := e.master.Freeze()
	orders := make([]*types.Order, 0, len(view.ByPrice))
	for _, id := range view.ByPrice {
		orders = append(orders, view.Orders[id])
	}
	if err := e.deps.Store.WriteGrid(e.botKey, e.Boundary(), orders); err != nil {
		return err
	}
	return e.persistCache()
}

func (e *Engine) persistCache() error {
	return e.deps.Store.WriteCacheFunds(e.botKey, store.CacheFunds{
		Buy:  e.acct.CacheFunds(types.SideBuy),
		Sell: e.acct.CacheFunds(types.SideSell),
	})
}

// ————————————————————————————————————————————————————————————————————————
// Control surface
// ————————————————————————————————————————————————————————————————————————

// PauseFundRecalc suspends invariant verification (nested).
func (e *Engine) PauseFundRecalc() { e.control("pause", 0) }

// ResumeFundRecalc re-enables invariant verification.
func (e *Engine) ResumeFundRecalc() { e.control("resume", 0) }

// ForceResync schedules an immediate snapshot sync.
func (e *Engine) ForceResync() { e.control("resync", 0) }

func (e *Engine) control(kind string, n int) {
	select {
	case e.ctrlCh <- command{kind: kind, n: n}:
	case <-e.ctx.Done():
	}
}

func (e *Engine) handleCommand(cmd command) {
	switch cmd.kind {
	case "pause":
		e.acct.PauseRecalc()
	case "resume":
		e.acct.ResumeRecalc()
	case "resync":
		if _, err := e.syncFromChain(e.ctx); err != nil {
			e.stream.Warn(audit.ErrorWarnings, "forced resync failed", map[string]any{"error": err.Error()})
		}
	}
	if cmd.done != nil {
		close(cmd.done)
	}
}

// GetSnapshot returns the current bot state for the control surface.
// Safe to call from any goroutine.
func (e *Engine) GetSnapshot() Snapshot {
	view := e.master.Freeze()
	return Snapshot{
		State:    e.pipe.State().String(),
		Boundary: e.Boundary(),
		Version:  view.Version,
		Funds:    e.acct.Snapshot(),
		Orders:   view.Orders,
	}
}

// Boundary returns the current boundary index.
func (e *Engine) Boundary() int {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.boundary
}

func (e *Engine) setBoundary(b int) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.boundary = b
}

// AuditTail exposes recent audit events for the control surface.
func (e *Engine) AuditTail(n int) []audit.Event {
	return e.stream.Tail(n)
}

// GridAuditTail exposes the master grid's state-change ring.
func (e *Engine) GridAuditTail(n int) []grid.AuditEntry {
	return e.master.AuditTail(n)
}
