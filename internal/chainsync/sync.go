// Package chainsync reconciles the master grid against chain state.
//
// Two inputs feed it: open-orders snapshots (what the chain says is
// resting right now) and fill-history events (what got matched). The
// sync engine is the only component allowed to conclude "that order is
// gone" or "that order shrank" — and it is deliberately conservative: a
// chain order whose side contradicts its slot never mutates the slot,
// and a PARTIAL is never restored to ACTIVE by a snapshot, only by a
// fresh fill event.
package chainsync

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"gridmaker/internal/chain"
	"gridmaker/internal/funds"
	"gridmaker/internal/grid"
	"gridmaker/pkg/types"
)

var (
	// ErrTypeMismatch marks a chain order whose side contradicts its
	// slot. The slot is left untouched; the chain order is queued for
	// cancellation as surplus.
	ErrTypeMismatch = errors.New("chain order type mismatch")

	// ErrGhostFill marks a residual below the exchange minimum after a
	// partial; it is settled as a full fill.
	ErrGhostFill = errors.New("ghost fill")
)

// Pair describes the managed market: which asset each side trades and
// at what precision. Base is what SELL orders sell; quote is what BUY
// orders sell.
type Pair struct {
	BaseAssetID    string
	QuoteAssetID   string
	BasePrecision  int
	QuotePrecision int
	MinOrderSize   float64 // chain minimum, in base units
}

// precisionFor returns the precision of the asset a slot of this type sells.
func (p Pair) precisionFor(t types.OrderType) int {
	if t == types.OrderBuy {
		return p.QuotePrecision
	}
	return p.BasePrecision
}

// Correction is a queued price-correction action for an order whose
// chain price drifted outside tolerance.
type Correction struct {
	SlotID       string
	ChainOrderID string
	WantPrice    float64
	GotPrice     float64
}

// Result is what one snapshot pass concluded.
type Result struct {
	FilledSlots    []string     // non-VIRTUAL slots absent from the snapshot
	UpdatedSlots   []string     // slots whose chain size shrank (→ PARTIAL)
	Corrections    []Correction // price drift beyond tolerance
	SurplusCancels []string     // chain order ids to cancel (unowned/mismatched/duplicate)
}

// FillOutcome describes one settled fill event, for the planner's
// boundary crawl.
type FillOutcome struct {
	SlotID string
	Side   types.Side
	Full   bool
	Pays   float64 // in the filled side's native asset
}

// FillNotifier is told about fills applied to the master while a
// rebalance attempt is in flight, so the working grid can be re-cloned
// and marked stale.
type FillNotifier interface {
	NotifyFill(slotID string)
}

// Engine reconciles the grid against chain snapshots and fill events.
// Concurrent sync attempts serialize on the internal sync lock.
type Engine struct {
	syncMu   sync.Mutex
	pair     Pair
	master   *grid.Master
	acct     *funds.Accountant
	notifier FillNotifier
	logger   *slog.Logger

	ghostWarned map[string]bool // chain order id → warned once
}

// New creates a sync engine over the master grid and accountant.
func New(pair Pair, master *grid.Master, acct *funds.Accountant, logger *slog.Logger) *Engine {
	return &Engine{
		pair:        pair,
		master:      master,
		acct:        acct,
		logger:      logger.With("component", "sync"),
		ghostWarned: make(map[string]bool),
	}
}

// SetFillNotifier wires the active pipeline's staleness hook.
func (e *Engine) SetFillNotifier(n FillNotifier) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	e.notifier = n
}

// ————————————————————————————————————————————————————————————————————————
// Snapshot sync
// ————————————————————————————————————————————————————————————————————————

// SyncFromOpenOrders reconciles the grid against a full open-orders
// snapshot. Safe to call concurrently; calls serialize and each caller
// sees a consistent result.
func (e *Engine) SyncFromOpenOrders(chainOrders []types.ChainOrder) (Result, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	var res Result
	view := e.master.Freeze()

	byChainID := make(map[string]*types.Order)
	for _, o := range view.Orders {
		if o.ChainOrderID != "" {
			byChainID[o.ChainOrderID] = o
		}
	}

	matched := make(map[string]bool) // slot ids seen in the snapshot

	for i := range chainOrders {
		co := chainOrders[i]
		side, ok := e.classify(co)
		if !ok {
			continue // foreign pair: never mutate anything
		}

		slot, owned := byChainID[co.ID]
		if !owned {
			res.SurplusCancels = append(res.SurplusCancels, co.ID)
			continue
		}
		if matched[slot.ID] {
			// A second chain order claims the same slot: ghost duplicate.
			res.SurplusCancels = append(res.SurplusCancels, co.ID)
			continue
		}

		if side != slot.Type {
			e.logger.Warn("type mismatch, queueing surplus cancel",
				"slot", slot.ID, "chain_order", co.ID, "slot_type", slot.Type, "chain_side", side,
				"error", ErrTypeMismatch)
			res.SurplusCancels = append(res.SurplusCancels, co.ID)
			continue // the slot stays exactly as it was
		}
		matched[slot.ID] = true

		chainPrice, err := e.orderPrice(co, side)
		if err != nil {
			return res, fmt.Errorf("order %s: %w", co.ID, err)
		}
		if tol := priceTolerance(slot.Size, slot.Price, e.pair); math.Abs(chainPrice-slot.Price) > tol {
			res.Corrections = append(res.Corrections, Correction{
				SlotID:       slot.ID,
				ChainOrderID: co.ID,
				WantPrice:    slot.Price,
				GotPrice:     chainPrice,
			})
			continue // slot unchanged until the correction lands
		}

		chainSize, err := chain.ToFloat(co.ForSale, e.pair.precisionFor(slot.Type))
		if err != nil {
			return res, fmt.Errorf("order %s for_sale: %w", co.ID, err)
		}

		sizeTol := math.Pow(10, -float64(e.pair.precisionFor(slot.Type)))
		if chainSize < slot.Size-sizeTol {
			// Chain consumed part of the order. Snapshot sync may take
			// an order to PARTIAL but never back to ACTIVE.
			up := slot.Clone()
			up.State = types.StatePartial
			up.Size = chainSize
			up.RawOnChain = &co
			if err := e.master.ApplyOrderUpdate(up, "sync:partial", grid.ApplyOpts{}); err != nil {
				return res, err
			}
			res.UpdatedSlots = append(res.UpdatedSlots, slot.ID)
		} else {
			// Size agrees: refresh the authoritative snapshot only.
			up := slot.Clone()
			up.RawOnChain = &co
			if err := e.master.ApplyOrderUpdate(up, "sync:refresh", grid.ApplyOpts{SkipAccounting: true}); err != nil {
				return res, err
			}
		}
	}

	// Slots we believe are on chain but the snapshot does not show:
	// the chain consumed them.
	for _, o := range view.Orders {
		if o.ChainOrderID == "" || matched[o.ID] {
			continue
		}
		if containsChainID(chainOrders, o.ChainOrderID) {
			continue // present but filtered above (e.g. pending correction)
		}
		up := o.Clone()
		up.State = types.StateVirtual
		up.Type = types.OrderSpread
		up.Size = 0
		up.ChainOrderID = ""
		// Keep RawOnChain so the trailing fill event can still find the slot.
		if err := e.master.ApplyOrderUpdate(up, "sync:filled", grid.ApplyOpts{}); err != nil {
			return res, err
		}
		res.FilledSlots = append(res.FilledSlots, o.ID)
		e.notifyFill(o.ID)
	}

	if err := e.acct.VerifyInvariants(); err != nil {
		e.logger.Warn("invariant check after snapshot sync", "error", err)
	}
	return res, nil
}

// classify maps a chain order onto a grid side by which asset it sells.
// Returns false for orders outside the managed pair.
func (e *Engine) classify(co types.ChainOrder) (types.OrderType, bool) {
	sells, wants := co.SellPrice.Base.AssetID, co.SellPrice.Quote.AssetID
	switch {
	case sells == e.pair.QuoteAssetID && wants == e.pair.BaseAssetID:
		return types.OrderBuy, true
	case sells == e.pair.BaseAssetID && wants == e.pair.QuoteAssetID:
		return types.OrderSell, true
	default:
		return "", false
	}
}

// orderPrice converts the chain's rational sell_price to the grid's
// quote-per-base convention.
func (e *Engine) orderPrice(co types.ChainOrder, side types.OrderType) (float64, error) {
	if side == types.OrderBuy {
		// Selling quote for base: price = quote paid / base received.
		return chain.RatioToFloat(
			co.SellPrice.Base.Amount, e.pair.QuotePrecision,
			co.SellPrice.Quote.Amount, e.pair.BasePrecision,
		)
	}
	// Selling base for quote: price = quote received / base paid.
	return chain.RatioToFloat(
		co.SellPrice.Quote.Amount, e.pair.QuotePrecision,
		co.SellPrice.Base.Amount, e.pair.BasePrecision,
	)
}

// priceTolerance derives the acceptable price drift from asset
// precisions: one raw unit of either asset, spread over the order size,
// must not count as drift. Zero size (nothing to compare against) means
// strict equality.
func priceTolerance(size, price float64, p Pair) float64 {
	if size <= 0 {
		return 0
	}
	perBase := math.Pow(10, -float64(p.BasePrecision)) / size * price
	perQuote := math.Pow(10, -float64(p.QuotePrecision)) / size
	return math.Min(perBase, perQuote)
}

func containsChainID(orders []types.ChainOrder, id string) bool {
	for i := range orders {
		if orders[i].ID == id {
			return true
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Fill-history sync
// ————————————————————————————————————————————————————————————————————————

// SyncFromFillHistory settles one fill operation: maps it to a slot,
// decides full vs partial (with ghost-dust promotion), applies the grid
// transition, and settles the funds. Duplicate deliveries are dropped.
// Returns nil outcome for operations that do not concern the grid.
func (e *Engine) SyncFromFillHistory(op types.FillOp) (*FillOutcome, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	if op.OpType != types.FillOpType {
		return nil, nil
	}

	slot := e.findSlot(op.Op.OrderID)
	if slot == nil {
		e.logger.Debug("fill for unknown order, ignoring", "chain_order", op.Op.OrderID)
		return nil, nil
	}
	side := slot.Type.Side()
	if slot.Type == types.OrderSpread {
		// Already virtualized by a snapshot sync; the proceeds still
		// need settling. Recover the side from the pays asset.
		if op.Op.Pays.AssetID == e.pair.QuoteAssetID {
			side = types.SideBuy
		} else {
			side = types.SideSell
		}
	}

	paysPrec := e.pair.BasePrecision
	recvPrec := e.pair.QuotePrecision
	if side == types.SideBuy {
		paysPrec, recvPrec = e.pair.QuotePrecision, e.pair.BasePrecision
	}
	pays, err := chain.ToFloat(op.Op.Pays.Amount, paysPrec)
	if err != nil {
		return nil, fmt.Errorf("fill %s pays: %w", op.ID, err)
	}
	receives, err := chain.ToFloat(op.Op.Receives.Amount, recvPrec)
	if err != nil {
		return nil, fmt.Errorf("fill %s receives: %w", op.ID, err)
	}

	// Settle funds first: the dedup table decides whether this delivery
	// counts at all.
	err = e.acct.ProcessFill(funds.Fill{
		OpID:     op.ID,
		Side:     side,
		Pays:     pays,
		Receives: receives,
		IsMaker:  op.Op.Maker(),
	})
	if errors.Is(err, funds.ErrDuplicateFill) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if slot.Type == types.OrderSpread {
		// A snapshot sync already virtualized the slot and reported
		// the fill; only the funds needed settling here.
		return nil, nil
	}

	// Residual from the authoritative chain snapshot when the local
	// size is stale, else from the local model.
	residual := slot.Size - pays
	if slot.RawOnChain != nil {
		if raw, rerr := chain.ToFloat(slot.RawOnChain.ForSale, e.pair.precisionFor(slot.Type)); rerr == nil {
			residual = raw - pays
		}
	}

	// The chain minimum is in base units; a BUY residual is quote.
	minSize := e.pair.MinOrderSize
	if slot.Type == types.OrderBuy {
		minSize *= slot.Price
	}
	dust := math.Max(minSize, math.Pow(10, -float64(e.pair.precisionFor(slot.Type))))
	full := residual <= dust
	if full && residual > 0 && !e.ghostWarned[op.Op.OrderID] {
		e.ghostWarned[op.Op.OrderID] = true
		e.logger.Warn("residual below minimum, settling as full fill",
			"slot", slot.ID, "chain_order", op.Op.OrderID, "residual", residual, "error", ErrGhostFill)
	}

	up := slot.Clone()
	if full {
		up.State = types.StateVirtual
		up.Type = types.OrderSpread
		up.Size = 0
		up.ChainOrderID = ""
		up.RawOnChain = nil
	} else {
		up.State = types.StatePartial
		up.Size = residual
		// The retained snapshot no longer reflects the chain; drop it
		// so a second fill before the next snapshot uses the local size.
		up.RawOnChain = nil
	}
	if err := e.master.ApplyOrderUpdate(up, "fill:"+op.ID, grid.ApplyOpts{}); err != nil {
		return nil, err
	}
	e.notifyFill(slot.ID)

	if err := e.acct.VerifyInvariants(); err != nil {
		e.logger.Warn("invariant check after fill", "error", err)
	}
	return &FillOutcome{SlotID: slot.ID, Side: side, Full: full, Pays: pays}, nil
}

// findSlot locates the slot owning a chain order id, falling back to
// the retained chain snapshot for slots a snapshot sync already
// virtualized.
func (e *Engine) findSlot(chainID string) *types.Order {
	if o := e.master.FindByChainOrderID(chainID); o != nil {
		return o
	}
	view := e.master.Freeze()
	for _, o := range view.Orders {
		if o.RawOnChain != nil && o.RawOnChain.ID == chainID {
			return o
		}
	}
	return nil
}

func (e *Engine) notifyFill(slotID string) {
	if e.notifier != nil {
		e.notifier.NotifyFill(slotID)
	}
}
