package strategy

import (
	"log/slog"
	"math"

	"gridmaker/internal/funds"
	"gridmaker/internal/grid"
	"gridmaker/pkg/types"
)

// Planner computes target grids. It is pure: no chain I/O, no master
// mutation — just frozen view + funds in, target map out.
type Planner struct {
	params Params
	logger *slog.Logger
}

// New creates a planner.
func New(params Params, logger *slog.Logger) *Planner {
	return &Planner{params: params, logger: logger.With("component", "strategy")}
}

// Input is one planning request.
type Input struct {
	View     *grid.View
	Funds    funds.Snapshot
	Fills    []FillEvent // fills since the last plan
	Boundary int         // persisted boundary (index of first SELL)
}

// Plan is the planner's output. Target maps every slot id to its
// desired order. Target state expresses intent: ACTIVE means "should
// rest on chain", VIRTUAL means "hold as reserve" — the pipeline's
// projection decides actual working-grid states. Ops counts the
// chain-touching actions implied, bounded by the reaction cap.
type Plan struct {
	Boundary int
	Target   map[string]*types.Order
	Ops      int
}

// Plan runs the three planning phases: boundary crawl, side sizing,
// and role assignment under the reaction cap.
func (p *Planner) Plan(in Input) *Plan {
	total := len(in.View.ByPrice)
	spread := p.params.SpreadSlots()
	boundary := CrawlBoundary(in.Boundary, in.Fills, total, spread)

	target := make(map[string]*types.Order, total)
	for id, o := range in.View.Orders {
		target[id] = o.Clone()
	}

	indexOf := make(map[string]int, total)
	for i, id := range in.View.ByPrice {
		indexOf[id] = i
	}

	st := &planState{
		planner:  p,
		in:       in,
		boundary: boundary,
		spread:   spread,
		target:   target,
		indexOf:  indexOf,
		claimed:  make(map[string]bool),
		cap:      p.params.Grid.ReactionCap,
	}

	st.evictSpreadWindow()
	st.planSide(types.SideBuy)
	st.planSide(types.SideSell)

	p.logger.Debug("plan computed",
		"boundary", boundary,
		"ops", st.ops,
		"cap", st.cap,
	)
	return &Plan{Boundary: boundary, Target: target, Ops: st.ops}
}

// planState carries one Plan invocation's mutable state.
type planState struct {
	planner  *Planner
	in       Input
	boundary int
	spread   int
	target   map[string]*types.Order
	indexOf  map[string]int
	claimed  map[string]bool // slots already consumed by a split
	cap      int
	ops      int
}

func (st *planState) capLeft() bool { return st.ops < st.cap }

// evictSpreadWindow forces the spread window empty. Intruding orders
// (fills ate into the spread) are cancelled even when free funds are
// zero: a cancel costs nothing, and the released size becomes budget
// for the side that needs it (committed-inventory fallback).
func (st *planState) evictSpreadWindow() {
	for i := st.boundary - st.spread; i < st.boundary; i++ {
		id := st.in.View.ByPrice[i]
		cur := st.in.View.Orders[id]
		t := st.target[id]
		if cur.State != types.StateVirtual {
			if !st.capLeft() {
				continue
			}
			st.ops++
		}
		t.Type = types.OrderSpread
		t.State = types.StateVirtual
		t.Size = 0
		t.ChainOrderID = ""
	}
}

// planSide runs phases B and C for one side.
func (st *planState) planSide(side types.Side) {
	p := st.planner
	view := st.in.View
	slots := sideSlotsAt(view, st.boundary, st.spread, side) // market-closest first

	allocated := p.allocatedFor(side, st.in.Funds)
	ideal := p.sizeSide(view, slots, side, allocated)
	regen := p.shouldRegenerate(view, slots, ideal, side, st.in.Funds)

	active := p.params.Grid.ActiveOrders.Buy
	if side == types.SideSell {
		active = p.params.Grid.ActiveOrders.Sell
	}
	if active > len(slots) {
		active = len(slots)
	}
	window := make(map[string]bool, active)
	for _, id := range slots[:active] {
		window[id] = true
	}

	ledger := st.in.Funds.Side(side)
	frac := p.params.Grid.BotFunds.Buy
	if side == types.SideSell {
		frac = p.params.Grid.BotFunds.Sell
	}
	if frac <= 0 || frac > 1 {
		frac = 1
	}
	budget := ledger.Free*frac + ledger.CacheFunds

	sideType := sideOrderType(side)
	var shortages []string // nearest market first
	var surpluses []donor  // collected nearest-first, consumed furthest-first

	for _, id := range slots {
		cur := view.Orders[id]
		t := st.target[id]
		t.Type = sideType
		if !st.claimed[id] {
			t.IdealSize = ideal[id]
		}

		switch {
		case cur.State == types.StateVirtual:
			if st.claimed[id] {
				// A split already directed excess here.
			} else if window[id] && ideal[id] > 0 {
				shortages = append(shortages, id)
			} else {
				// Outer slot: hold as sized reserve, no chain action.
				t.State = types.StateVirtual
				t.Size = ideal[id]
				t.ChainOrderID = ""
			}

		case cur.Type != sideType:
			// On-chain order stranded on the wrong side of the
			// boundary (stale grid after a cold-start boundary
			// recovery). Its size is in the other side's asset.
			surpluses = append(surpluses, donor{id: id, crossSide: true})

		case !window[id]:
			// Left the window after rotation: donor.
			surpluses = append(surpluses, donor{id: id})

		default:
			st.planResting(id, cur, ideal[id], regen, &budget)
		}
	}

	// Rotation planning: separate indices for surpluses and shortages,
	// so skipping an invalid surplus never skips its shortage.
	st.rotate(shortages, surpluses, ideal, &budget)
}

// donor is a rotation funding candidate: a resting order to cancel.
// crossSide marks orders stranded on the wrong side of the boundary;
// their size is denominated in the opposite side's asset and must not
// be credited to the planned side's budget.
type donor struct {
	id        string
	crossSide bool
}

// planResting decides what happens to an on-chain window order.
func (st *planState) planResting(id string, cur *types.Order, want float64, regen bool, budget *float64) {
	t := st.target[id]

	// Dust PARTIAL: rotate away, plan a fresh replacement.
	if cur.State == types.StatePartial && cur.IdealSize > 0 &&
		cur.Size/cur.IdealSize < PartialDustThreshold {
		if !st.capLeft() {
			return
		}
		t.State = types.StateVirtual
		t.Size = want
		t.ChainOrderID = ""
		*budget += cur.Size // the cancel releases the dust
		st.ops++
		return
	}

	if !regen {
		// Sizes not regenerated: existing orders keep their size.
		t.State = types.StateActive
		t.Size = cur.Size
		t.IdealSize = cur.IdealSize
		return
	}

	diff := cur.Size - want
	switch {
	case want <= 0 || math.Abs(diff)/want <= sizeTolerance:
		t.State = types.StateActive
		t.Size = cur.Size

	case diff < 0:
		// Under target: in-place top-up if the budget affords it.
		need := -diff
		if *budget >= need && st.capLeft() {
			t.State = types.StateActive
			t.Size = want
			*budget -= need
			st.ops++
		} else {
			t.State = types.StateActive
			t.Size = cur.Size
		}

	default:
		// Over target: split the excess into the adjacent outward slot,
		// but only when that slot is VIRTUAL. An occupied neighbor means
		// skipping the whole operation — shrinking without a destination
		// leaks capital.
		st.planSplit(id, cur, want, diff)
	}
}

// planSplit moves a resting order's excess into the adjacent outward
// slot when that slot is empty.
func (st *planState) planSplit(id string, cur *types.Order, want, excess float64) {
	t := st.target[id]
	t.State = types.StateActive
	t.Size = cur.Size // default: skip

	if !st.capLeft() {
		return
	}
	adjID, ok := st.adjacentOutward(id)
	if !ok {
		return
	}
	adj := st.in.View.Orders[adjID]
	if adj.State != types.StateVirtual {
		return // occupied: skip entirely
	}
	if excess < st.planner.minOrderFor(cur.Type, adj.Price) {
		return
	}

	t.Size = want
	at := st.target[adjID]
	at.Type = cur.Type
	at.State = types.StateActive
	at.Size = excess
	at.IdealSize = excess
	at.ChainOrderID = ""
	st.claimed[adjID] = true
	st.ops++
}

// adjacentOutward returns the slot one step away from the market on the
// same side of the boundary, or false at the topology's edge.
func (st *planState) adjacentOutward(id string) (string, bool) {
	i := st.indexOf[id]
	o := st.in.View.Orders[id]
	if o.Type == types.OrderBuy {
		i--
	} else {
		i++
	}
	if i < 0 || i >= len(st.in.View.ByPrice) {
		return "", false
	}
	if slotType(i, st.boundary, st.spread) != o.Type {
		return "", false
	}
	return st.in.View.ByPrice[i], true
}

// rotate pairs the furthest-from-market surpluses with the
// nearest-to-market shortages. A rotation whose donor and recipient
// share a slot id collapses to an in-place update (self-rotations are
// forbidden). Each placement, rotation, or trailing cancel consumes one
// reaction unit. A cross-side donor releases funds on the other side's
// ledger, so its cancel never credits this side's budget.
func (st *planState) rotate(shortages []string, surpluses []donor, ideal map[string]float64, budget *float64) {
	// Furthest-from-market first: tie-break on slot order (stable).
	donors := make([]donor, len(surpluses))
	for i, d := range surpluses {
		donors[len(surpluses)-1-i] = d
	}

	si, hi := 0, 0
	for hi < len(shortages) && st.capLeft() {
		h := shortages[hi]
		need := ideal[h]

		if *budget >= need && need > 0 {
			st.place(h, need)
			*budget -= need
			hi++
			continue
		}

		if si < len(donors) {
			d := donors[si]
			cur := st.in.View.Orders[d.id]
			if cur.State == types.StateVirtual {
				// Surplus went invalid mid-plan: skip the surplus, keep
				// the shortage.
				si++
				continue
			}
			if d.id == h {
				// Same slot on both lists: in-place update, never a
				// self-rotation.
				st.place(h, need)
				si++
				hi++
				continue
			}
			// Rotation: cancel the donor; a same-side donor's size
			// funds the recipient. The cancel+place pair is one
			// reaction unit.
			t := st.target[d.id]
			t.State = types.StateVirtual
			t.Size = ideal[d.id]
			t.ChainOrderID = ""
			if !d.crossSide {
				*budget += cur.Size
			}
			si++
			if *budget >= need && need > 0 {
				st.place(h, need)
				*budget -= need
				hi++
			} else {
				st.ops++ // lone cancel
			}
			continue
		}

		// No budget, no donors: this shortage waits for the next cycle.
		hi++
	}

	// Leftover donors outside the window are cancelled outright.
	for ; si < len(donors) && st.capLeft(); si++ {
		d := donors[si]
		cur := st.in.View.Orders[d.id]
		if cur.State == types.StateVirtual {
			continue
		}
		t := st.target[d.id]
		t.State = types.StateVirtual
		t.Size = ideal[d.id]
		t.ChainOrderID = ""
		if !d.crossSide {
			*budget += cur.Size
		}
		st.ops++
	}
}

// place marks a shortage slot for chain placement at the given size.
func (st *planState) place(id string, size float64) {
	t := st.target[id]
	t.State = types.StateActive
	t.Size = size
	t.IdealSize = size
	st.ops++
}

// sideSlotsAt is sideSlots with the planner's crawled boundary.
func sideSlotsAt(view *grid.View, boundary, spread int, side types.Side) []string {
	return sideSlots(view, boundary, spread, side)
}
