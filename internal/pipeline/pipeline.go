// Package pipeline orchestrates one rebalance attempt as a copy-on-write
// cycle: freeze the master grid, clone it into a working grid, plan a
// target, broadcast the delta, and commit — or discard the whole attempt
// if a fill advanced the master underneath it.
//
// Fills are never deferred: they mutate the master immediately (via the
// sync engine) and poison the in-flight working grid through NotifyFill.
// The commit step then refuses the stale attempt and the next cycle
// replans from fresh state. The master is authoritative at all times; a
// dropped working grid needs no cleanup.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"gridmaker/internal/funds"
	"gridmaker/internal/grid"
	"gridmaker/internal/strategy"
	"gridmaker/pkg/types"
)

var (
	// ErrInsufficientFunds signals a plan whose simulated commitment
	// exceeds the side's allocation. The attempt aborts; the next
	// cycle plans smaller.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrPipelineTimeout signals that the whole-attempt deadline
	// expired mid-broadcast. The engine answers with a maintenance
	// cycle: forced sync plus invariant check.
	ErrPipelineTimeout = errors.New("pipeline timeout")

	// ErrSlotBusy signals that another holder owns a planned slot's
	// lease; the attempt is dropped and replanned next cycle.
	ErrSlotBusy = errors.New("slot lease busy")
)

// PipelineTimeout bounds one whole rebalance attempt. On expiry the
// broadcast is abandoned, the working grid dropped, and the engine runs
// a maintenance cycle (forced sync + invariant check).
const PipelineTimeout = 5 * time.Minute

// State is the rebalance state machine. Only NORMAL is externally
// quiescent.
type State int

const (
	StateNormal State = iota
	StateRebalancing
	StateBroadcasting
)

func (s State) String() string {
	switch s {
	case StateRebalancing:
		return "rebalancing"
	case StateBroadcasting:
		return "broadcasting"
	default:
		return "normal"
	}
}

// Broadcaster is the chain-facing half the pipeline needs: hand a batch
// to the chain, get per-action results back.
type Broadcaster interface {
	BroadcastBatch(ctx context.Context, actions []types.Action) ([]types.BroadcastResult, error)
}

// Result summarizes one cycle.
type Result struct {
	Boundary  int
	Actions   int
	Committed bool
	Stale     bool
}

// Pipeline runs rebalance cycles over the shared master grid.
type Pipeline struct {
	master  *grid.Master
	acct    *funds.Accountant
	planner *strategy.Planner
	client  Broadcaster
	logger  *slog.Logger

	mu      sync.Mutex
	state   State
	working *grid.Working
}

// New creates a pipeline.
func New(master *grid.Master, acct *funds.Accountant, planner *strategy.Planner, client Broadcaster, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		master:  master,
		acct:    acct,
		planner: planner,
		client:  client,
		logger:  logger.With("component", "pipeline"),
	}
}

// State returns the current rebalance state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// NotifyFill implements the sync engine's staleness hook: a fill hit
// the master while an attempt is in flight. The affected slot is
// re-cloned into the working grid and the attempt is poisoned.
func (p *Pipeline) NotifyFill(slotID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateNormal || p.working == nil {
		return
	}
	o := p.master.Get(slotID)
	if o == nil {
		return
	}
	reason := fmt.Sprintf("stale(%s): fill on %s", p.state, slotID)
	p.working.SyncFromMaster(o, p.master.Version(), reason)
	p.logger.Debug("working grid poisoned by fill", "slot", slotID, "state", p.state.String())
}

// RunCycle executes one full rebalance attempt: freeze → clone → plan →
// delta → pre-validate → broadcast → commit-or-discard.
func (p *Pipeline) RunCycle(ctx context.Context, fills []strategy.FillEvent, boundary int) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, PipelineTimeout)
	defer cancel()

	// Freeze & clone.
	view := p.master.Freeze()
	working := grid.NewWorking(view)

	p.mu.Lock()
	p.state = StateRebalancing
	p.working = working
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.state = StateNormal
		p.working = nil
		p.mu.Unlock()
	}()

	// Plan.
	plan := p.planner.Plan(strategy.Input{
		View:     view,
		Funds:    p.acct.Snapshot(),
		Fills:    fills,
		Boundary: boundary,
	})
	res := Result{Boundary: plan.Boundary}

	if err := p.project(view, working, plan.Target); err != nil {
		return res, err
	}

	// Delta.
	actions := BuildActions(view, plan.Target)
	res.Actions = len(actions)
	if len(actions) == 0 {
		// Nothing touches the chain; still commit virtual re-sizing so
		// the ledger's virtual totals track the plan.
		return p.commit(working, nil, nil, res)
	}

	// Fund pre-validation.
	if err := p.preValidate(plan.Target); err != nil {
		return res, err
	}

	// Per-slot leases guard against overlapping broadcasters (e.g. a
	// maintenance cancel racing the cycle). Expired leases self-heal
	// on acquisition.
	holder := fmt.Sprintf("cycle-%d", working.BaseVersion())
	leases := p.master.Leases()
	var held []string
	defer func() {
		for _, slot := range held {
			leases.Release(slot, holder)
		}
	}()
	for _, a := range actions {
		if a.SlotID == "" {
			continue
		}
		if !leases.Acquire(a.SlotID, holder) {
			return res, fmt.Errorf("%w: %s held by %s", ErrSlotBusy, a.SlotID, leases.Holder(a.SlotID))
		}
		held = append(held, a.SlotID)
	}

	// Broadcast.
	p.mu.Lock()
	p.state = StateBroadcasting
	p.mu.Unlock()

	results, err := p.client.BroadcastBatch(ctx, actions)
	if err != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("%w: %v", ErrPipelineTimeout, err)
		}
		return res, fmt.Errorf("broadcast: %w", err)
	}

	return p.commit(working, actions, results, res)
}

// project applies the plan's target to the working grid under the
// copy-on-write rules:
//
//   - An existing on-chain order keeps its state (ACTIVE/PARTIAL).
//   - A new-target ACTIVE with no prior chainOrderId stays VIRTUAL: the
//     VIRTUAL → ACTIVE transition happens only after confirmed chain
//     placement, which is what triggers the optimistic fund deduction.
//   - A type change clears the chain linkage and forces VIRTUAL.
//   - A zero target forces VIRTUAL and clears the linkage.
func (p *Pipeline) project(view *grid.View, working *grid.Working, target map[string]*types.Order) error {
	for id, tgt := range target {
		cur := view.Orders[id]
		if cur == nil {
			continue
		}
		proj := tgt.Clone()

		switch {
		case cur.OnChain() && tgt.State != types.StateVirtual && cur.Type == tgt.Type:
			proj.State = cur.State
			proj.ChainOrderID = cur.ChainOrderID
			proj.RawOnChain = cur.RawOnChain

		case cur.Type != tgt.Type:
			proj.State = types.StateVirtual
			proj.ChainOrderID = ""
			proj.RawOnChain = nil

		default:
			proj.State = types.StateVirtual
			proj.ChainOrderID = ""
		}
		if proj.Type == types.OrderSpread {
			proj.Size = 0
		}

		if equalOrders(cur, proj) {
			continue
		}
		if err := working.Set(proj); err != nil {
			return fmt.Errorf("project slot %s: %w", id, err)
		}
	}
	return nil
}

func equalOrders(a, b *types.Order) bool {
	return a.State == b.State && a.Type == b.Type &&
		epsEqual(a.Size, b.Size) && a.ChainOrderID == b.ChainOrderID &&
		epsEqual(a.IdealSize, b.IdealSize)
}

// preValidate simulates the committed totals the target implies and
// fails with ErrInsufficientFunds when a side would exceed its
// allocation beyond one ulp of float noise.
func (p *Pipeline) preValidate(target map[string]*types.Order) error {
	snap := p.acct.Snapshot()
	for _, side := range []types.Side{types.SideBuy, types.SideSell} {
		var committed float64
		for _, tgt := range target {
			if tgt.Type == types.OrderSpread || tgt.Type.Side() != side {
				continue
			}
			if tgt.State != types.StateVirtual {
				committed += tgt.Size
			}
		}
		l := snap.Side(side)
		allocated := l.Free + l.CommittedGrid + l.CacheFunds
		ulp := math.Nextafter(allocated, math.Inf(1)) - allocated
		if committed > allocated+ulp {
			return fmt.Errorf("%w: %s: plan commits %.8f of %.8f allocated",
				ErrInsufficientFunds, side, committed, allocated)
		}
	}
	return nil
}

// commit applies the attempt under the grid lock, unless the working
// grid fell behind the master (a fill landed that the plan never saw) —
// then the whole attempt is discarded and master stays authoritative.
func (p *Pipeline) commit(working *grid.Working, actions []types.Action, results []types.BroadcastResult, res Result) (Result, error) {
	p.resolveBroadcast(working, actions, results)

	if working.IsStale() {
		p.logger.Warn("Refusing stale commit", "reason", working.StaleReason(), "base_version", working.BaseVersion())
		res.Stale = true
		return res, nil
	}

	updates := working.ModifiedOrders()
	if len(updates) == 0 {
		res.Committed = true
		return res, nil
	}

	p.acct.StartBootstrap()
	err := p.master.CommitBatch(working.BaseVersion(), updates, "commit", grid.ApplyOpts{})
	p.acct.FinishBootstrap()
	if errors.Is(err, grid.ErrStaleCommit) {
		p.logger.Warn("Refusing stale commit", "base_version", working.BaseVersion(), "master_version", p.master.Version())
		res.Stale = true
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.Committed = true

	if verr := p.acct.VerifyInvariants(); verr != nil {
		p.logger.Warn("invariant check after commit", "error", verr)
		return res, verr
	}
	return res, nil
}

// resolveBroadcast folds per-action broadcast results into the working
// grid: acknowledged creates gain their chain order id and go ACTIVE,
// acknowledged updates adopt the new size (and may graduate a PARTIAL
// back to ACTIVE past the restore ratio), failed actions revert their
// slot to the master's pre-image.
func (p *Pipeline) resolveBroadcast(working *grid.Working, actions []types.Action, results []types.BroadcastResult) {
	for i, a := range actions {
		var r types.BroadcastResult
		if i < len(results) {
			r = results[i]
		} else {
			r = types.BroadcastResult{Err: "no result"}
		}

		o := working.Get(a.SlotID)
		if o == nil {
			continue
		}

		if !r.OK() {
			p.logger.Warn("action failed, reverting slot", "slot", a.SlotID, "kind", a.Kind, "error", r.Err)
			if err := working.Set(a.Prev); err != nil {
				p.logger.Error("revert failed", "slot", a.SlotID, "error", err)
			}
			continue
		}

		if a.Type != types.OrderSpread && a.Type != "" {
			p.acct.AccrueBtsFee(a.Type.Side(), p.acct.OperationFee(a.Kind))
		}

		switch a.Kind {
		case types.ActionCreate:
			o.State = types.StateActive
			o.Size = a.Size
			o.ChainOrderID = r.ChainOrderID

		case types.ActionUpdate:
			o.Size = a.Size
			o.ChainOrderID = a.ChainOrderID
			if o.State == types.StatePartial && o.IdealSize > 0 &&
				a.Size >= strategy.PartialActiveRestoreRatio*o.IdealSize {
				o.State = types.StateActive
			}

		case types.ActionCancel:
			o.State = types.StateVirtual
			o.ChainOrderID = ""
			o.RawOnChain = nil
		}
		if err := working.Set(o); err != nil {
			p.logger.Error("resolve failed", "slot", a.SlotID, "kind", a.Kind, "error", err)
		}
	}
}

// Rollback broadcasts the counter-batch for an already-committed cycle,
// restoring the pre-image captured in the action records.
func (p *Pipeline) Rollback(ctx context.Context, actions []types.Action, results []types.BroadcastResult) error {
	counter := CounterActions(actions, results)
	if len(counter) == 0 {
		return nil
	}
	_, err := p.client.BroadcastBatch(ctx, counter)
	if err != nil {
		return fmt.Errorf("rollback broadcast: %w", err)
	}
	return nil
}
