package strategy

import (
	"math"
	"testing"

	"gridmaker/internal/config"
	"gridmaker/internal/funds"
	"gridmaker/internal/grid"
	"gridmaker/pkg/types"
)

func snapshotWith(buyFree, sellFree float64) funds.Snapshot {
	return funds.Snapshot{
		Buy:  funds.Ledger{TotalChain: buyFree, Free: buyFree, Precision: 5},
		Sell: funds.Ledger{TotalChain: sellFree, Free: sellFree, Precision: 5},
	}
}

// S1: fresh grid, budget 3000/30, active 3+3, even weights. Every
// window slot is placed at an even share.
func TestPlanInitialPlacement(t *testing.T) {
	t.Parallel()

	view := ladderView(t)
	p := New(testParams(), testLogger())
	plan := p.Plan(Input{View: view, Funds: snapshotWith(3000, 30), Boundary: 5})

	if plan.Boundary != 5 {
		t.Fatalf("boundary = %d, want 5", plan.Boundary)
	}
	if plan.Ops != 6 {
		t.Errorf("ops = %d, want 6 placements", plan.Ops)
	}

	var buys, sells int
	for _, tgt := range plan.Target {
		if tgt.State != types.StateActive {
			continue
		}
		switch tgt.Type {
		case types.OrderBuy:
			buys++
			if math.Abs(tgt.Size-1000) > 1e-6 {
				t.Errorf("buy %s size = %v, want 1000", tgt.ID, tgt.Size)
			}
		case types.OrderSell:
			sells++
			if math.Abs(tgt.Size-10) > 1e-6 {
				t.Errorf("sell %s size = %v, want 10", tgt.ID, tgt.Size)
			}
		}
	}
	if buys != 3 || sells != 3 {
		t.Errorf("placed %d buys / %d sells, want 3/3", buys, sells)
	}
}

func TestPlanReactionCap(t *testing.T) {
	t.Parallel()

	params := testParams()
	params.Grid.ReactionCap = 2
	view := ladderView(t)
	p := New(params, testLogger())
	plan := p.Plan(Input{View: view, Funds: snapshotWith(3000, 30), Boundary: 5})

	if plan.Ops > 2 {
		t.Errorf("ops = %d exceeds reaction cap 2", plan.Ops)
	}
	var placed int
	for _, tgt := range plan.Target {
		if tgt.State == types.StateActive {
			placed++
		}
	}
	if placed != 2 {
		t.Errorf("placed = %d, want 2 (cap-bounded)", placed)
	}
}

// An order that fills have pushed inside the spread window is evicted
// even when free funds are zero.
func TestPlanSpreadEviction(t *testing.T) {
	t.Parallel()

	view := ladderView(t)
	intruder := view.ByPrice[4] // inside the spread window for boundary 5
	view.Orders[intruder].Type = types.OrderSell
	view.Orders[intruder].State = types.StateActive
	view.Orders[intruder].Size = 5
	view.Orders[intruder].ChainOrderID = "1.7.1"

	p := New(testParams(), testLogger())
	plan := p.Plan(Input{View: view, Funds: snapshotWith(0, 0), Boundary: 5})

	tgt := plan.Target[intruder]
	if tgt.Type != types.OrderSpread || tgt.State != types.StateVirtual || tgt.Size != 0 {
		t.Errorf("intruder not evicted: %+v", tgt)
	}
	if plan.Ops < 1 {
		t.Error("eviction consumed no reaction unit")
	}
}

// P10 follow-up: with zero budget and no intruders, the plan leaves the
// spread window alone and places nothing.
func TestPlanIdleWithoutFunds(t *testing.T) {
	t.Parallel()

	view := ladderView(t)
	p := New(testParams(), testLogger())
	plan := p.Plan(Input{View: view, Funds: snapshotWith(0, 0), Boundary: 5})

	if plan.Ops != 0 {
		t.Errorf("ops = %d, want 0", plan.Ops)
	}
}

func TestPlanDustPartialRotatedAway(t *testing.T) {
	t.Parallel()

	view := ladderView(t)
	id := view.ByPrice[2] // market-closest BUY
	view.Orders[id].State = types.StatePartial
	view.Orders[id].Size = 10
	view.Orders[id].IdealSize = 1000 // 1% left: dust
	view.Orders[id].ChainOrderID = "1.7.9"

	p := New(testParams(), testLogger())
	plan := p.Plan(Input{View: view, Funds: snapshotWith(2000, 30), Boundary: 5})

	tgt := plan.Target[id]
	if tgt.State != types.StateVirtual || tgt.ChainOrderID != "" {
		t.Errorf("dust partial not rotated away: %+v", tgt)
	}
}

func TestPlanNonDustPartialKept(t *testing.T) {
	t.Parallel()

	view := ladderView(t)
	id := view.ByPrice[2]
	view.Orders[id].State = types.StatePartial
	view.Orders[id].Size = 600
	view.Orders[id].IdealSize = 1000 // 60%: not dust
	view.Orders[id].ChainOrderID = "1.7.9"

	p := New(testParams(), testLogger())
	plan := p.Plan(Input{View: view, Funds: snapshotWith(2000, 30), Boundary: 5})

	tgt := plan.Target[id]
	if tgt.State != types.StateActive || tgt.Size != 600 {
		t.Errorf("non-dust partial not kept: %+v", tgt)
	}
}

// Split: with regeneration active, an oversized order sheds its excess
// into the adjacent outward slot — but only when that slot is empty.
func TestPlanSplitRequiresVirtualNeighbor(t *testing.T) {
	t.Parallel()

	build := func(neighborActive bool) (*grid.View, string, string) {
		view := ladderView(t)
		over := view.ByPrice[2] // closest BUY
		adj := view.ByPrice[1]  // outward neighbor
		view.Orders[over].State = types.StateActive
		view.Orders[over].Size = 2000
		view.Orders[over].IdealSize = 2000
		view.Orders[over].ChainOrderID = "1.7.5"
		if neighborActive {
			view.Orders[adj].State = types.StateActive
			view.Orders[adj].Size = 50
			view.Orders[adj].ChainOrderID = "1.7.6"
		}
		return view, over, adj
	}

	// Funds chosen to trip the regeneration trigger: committed 2000,
	// cache 100 (> 3%), RMS way past threshold.
	fundsRegen := funds.Snapshot{
		Buy:  funds.Ledger{TotalChain: 2000, CommittedGrid: 2000, CommittedChain: 2000, CacheFunds: 100, Precision: 5},
		Sell: funds.Ledger{Precision: 5},
	}

	view, over, adj := build(false)
	p := New(testParams(), testLogger())
	plan := p.Plan(Input{View: view, Funds: fundsRegen, Boundary: 5})

	ot, at := plan.Target[over], plan.Target[adj]
	if ot.Size >= 2000 {
		t.Errorf("oversized order not shrunk: %v", ot.Size)
	}
	if at.State != types.StateActive || at.Size <= 0 {
		t.Errorf("excess not split into neighbor: %+v", at)
	}
	if math.Abs(ot.Size+at.Size-2000) > 1e-6 {
		t.Errorf("split leaked capital: %v + %v != 2000", ot.Size, at.Size)
	}

	// Occupied neighbor: the whole operation is skipped.
	view, over, adj = build(true)
	plan = p.Plan(Input{View: view, Funds: funds.Snapshot{
		Buy:  funds.Ledger{TotalChain: 2050, CommittedGrid: 2050, CommittedChain: 2050, CacheFunds: 100, Precision: 5},
		Sell: funds.Ledger{Precision: 5},
	}, Boundary: 5})
	if got := plan.Target[over].Size; got != 2000 {
		t.Errorf("split happened despite occupied neighbor: size %v", got)
	}
	if got := plan.Target[adj].Size; got != 50 {
		t.Errorf("occupied neighbor mutated: size %v", got)
	}
}

// Rotation: an order left outside the window becomes the donor for the
// nearest shortage.
func TestPlanRotation(t *testing.T) {
	t.Parallel()

	view := ladderView(t)
	// Boundary moved up by a sell fill: old sell slot 5 virtualized,
	// a buy at the far edge (slot 0) is on chain, market climbed.
	donor := view.ByPrice[0]
	view.Orders[donor].State = types.StateActive
	view.Orders[donor].Size = 900
	view.Orders[donor].IdealSize = 900
	view.Orders[donor].ChainOrderID = "1.7.3"

	params := testParams()
	params.Grid.ActiveOrders = config.SideCounts{Buy: 2, Sell: 2}
	p := New(params, testLogger())

	// No free funds: the only way to fill the window shortage is the donor.
	plan := p.Plan(Input{View: view, Funds: funds.Snapshot{
		Buy:  funds.Ledger{TotalChain: 900, CommittedGrid: 900, CommittedChain: 900, Precision: 5},
		Sell: funds.Ledger{Precision: 5},
	}, Boundary: 5})

	if got := plan.Target[donor]; got.State != types.StateVirtual {
		t.Errorf("donor not cancelled: %+v", got)
	}
	var placed []string
	for id, tgt := range plan.Target {
		if tgt.Type == types.OrderBuy && tgt.State == types.StateActive {
			placed = append(placed, id)
		}
	}
	if len(placed) == 0 {
		t.Fatal("rotation placed nothing")
	}
	// P9: no placement reuses the donor slot.
	for _, id := range placed {
		if id == donor {
			t.Error("self-rotation: donor slot re-placed in the same plan")
		}
	}
}

// Separate surplus/shortage indices: an invalid donor is skipped
// without losing its shortage.
func TestRotateSkipsInvalidSurplusOnly(t *testing.T) {
	t.Parallel()

	view := ladderView(t)
	// Two donors outside a 1-wide window; the furthest is invalid
	// (VIRTUAL in the view — e.g. consumed by a concurrent pass).
	d0, d1 := view.ByPrice[0], view.ByPrice[1]
	view.Orders[d1].State = types.StateActive
	view.Orders[d1].Size = 500
	view.Orders[d1].ChainOrderID = "1.7.8"

	p := New(testParams(), testLogger())
	st := &planState{
		planner:  p,
		in:       Input{View: view, Funds: snapshotWith(0, 0)},
		boundary: 5,
		spread:   2,
		target:   map[string]*types.Order{},
		indexOf:  map[string]int{},
		claimed:  map[string]bool{},
		cap:      6,
	}
	for i, id := range view.ByPrice {
		st.indexOf[id] = i
		st.target[id] = view.Orders[id].Clone()
	}

	shortage := view.ByPrice[2]
	budget := 0.0
	ideal := map[string]float64{shortage: 400, d0: 400, d1: 400}
	st.rotate([]string{shortage}, []donor{{id: d1}, {id: d0}}, ideal, &budget)

	// d0 (furthest, invalid) is skipped; d1 still funds the shortage.
	if got := st.target[shortage]; got.State != types.StateActive || got.Size != 400 {
		t.Errorf("shortage lost when invalid surplus was skipped: %+v", got)
	}
	if got := st.target[d1]; got.State != types.StateVirtual {
		t.Errorf("valid donor not consumed: %+v", got)
	}
}

// A donor and shortage sharing one slot id collapse to an in-place
// update, never a cancel+create of the same slot.
func TestRotateSelfRotationForbidden(t *testing.T) {
	t.Parallel()

	view := ladderView(t)
	id := view.ByPrice[2]
	view.Orders[id].State = types.StateActive
	view.Orders[id].Size = 300
	view.Orders[id].ChainOrderID = "1.7.4"

	p := New(testParams(), testLogger())
	st := &planState{
		planner:  p,
		in:       Input{View: view, Funds: snapshotWith(0, 0)},
		boundary: 5,
		spread:   2,
		target:   map[string]*types.Order{},
		indexOf:  map[string]int{},
		claimed:  map[string]bool{},
		cap:      6,
	}
	for i, sid := range view.ByPrice {
		st.indexOf[sid] = i
		st.target[sid] = view.Orders[sid].Clone()
	}

	budget := 0.0
	st.rotate([]string{id}, []donor{{id: id}}, map[string]float64{id: 500}, &budget)

	got := st.target[id]
	if got.State != types.StateActive || got.Size != 500 {
		t.Errorf("self-pair did not become in-place update: %+v", got)
	}
	if got.ChainOrderID != "1.7.4" {
		t.Errorf("in-place update dropped the chain linkage: %+v", got)
	}
	if st.ops != 1 {
		t.Errorf("ops = %d, want 1", st.ops)
	}
}

// A cross-side donor (an order stranded on the wrong side of the
// boundary) is cancelled, but its released size — denominated in the
// other side's asset — never funds this side's shortages.
func TestRotateCrossSideDonorNoBudgetCredit(t *testing.T) {
	t.Parallel()

	view := ladderView(t)
	// A SELL order resting on a slot the crawled boundary now counts
	// as BUY territory.
	stranded := view.ByPrice[2]
	view.Orders[stranded].Type = types.OrderSell
	view.Orders[stranded].State = types.StateActive
	view.Orders[stranded].Size = 12 // base units, not quote
	view.Orders[stranded].ChainOrderID = "1.7.6"

	p := New(testParams(), testLogger())
	st := &planState{
		planner:  p,
		in:       Input{View: view, Funds: snapshotWith(0, 0)},
		boundary: 5,
		spread:   2,
		target:   map[string]*types.Order{},
		indexOf:  map[string]int{},
		claimed:  map[string]bool{},
		cap:      6,
	}
	for i, sid := range view.ByPrice {
		st.indexOf[sid] = i
		st.target[sid] = view.Orders[sid].Clone()
	}

	shortage := view.ByPrice[1]
	budget := 0.0
	ideal := map[string]float64{shortage: 10, stranded: 10}
	st.rotate([]string{shortage}, []donor{{id: stranded, crossSide: true}}, ideal, &budget)

	if got := st.target[stranded]; got.State != types.StateVirtual || got.ChainOrderID != "" {
		t.Errorf("cross-side donor not cancelled: %+v", got)
	}
	if budget != 0 {
		t.Errorf("budget = %v, want 0 (cross-side size must not be credited)", budget)
	}
	if got := st.target[shortage]; got.State == types.StateActive {
		t.Errorf("shortage placed with phantom cross-side funds: %+v", got)
	}
	if st.ops != 1 {
		t.Errorf("ops = %d, want 1 (the lone cancel)", st.ops)
	}

	// The same donor on its own side does fund the shortage.
	view.Orders[stranded].Type = types.OrderBuy
	st.target[stranded] = view.Orders[stranded].Clone()
	st.target[shortage] = view.Orders[shortage].Clone()
	st.ops = 0
	budget = 0
	st.rotate([]string{shortage}, []donor{{id: stranded}}, ideal, &budget)
	if got := st.target[shortage]; got.State != types.StateActive {
		t.Errorf("same-side donor failed to fund the shortage: %+v", got)
	}
}

// Cold-start path: a recovered boundary leaves an on-chain SELL in buy
// territory. The plan classifies it as a cross-side surplus and
// cancels it without touching the sell side's model.
func TestPlanCancelsStrandedCrossSideOrder(t *testing.T) {
	t.Parallel()

	view := ladderView(t)
	stranded := view.ByPrice[2] // BUY territory for boundary 5
	view.Orders[stranded].Type = types.OrderSell
	view.Orders[stranded].State = types.StateActive
	view.Orders[stranded].Size = 12
	view.Orders[stranded].ChainOrderID = "1.7.7"

	p := New(testParams(), testLogger())
	plan := p.Plan(Input{View: view, Funds: snapshotWith(0, 0), Boundary: 5})

	tgt := plan.Target[stranded]
	if tgt.State != types.StateVirtual || tgt.ChainOrderID != "" {
		t.Errorf("stranded order not cancelled: %+v", tgt)
	}
	if tgt.Type != types.OrderBuy {
		t.Errorf("stranded slot not reclaimed by its side: %+v", tgt)
	}
	// Zero funds on both sides: the cancel must be the only action.
	if plan.Ops != 1 {
		t.Errorf("ops = %d, want 1", plan.Ops)
	}
	for id, o := range plan.Target {
		if o.State == types.StateActive && id != stranded {
			t.Errorf("phantom placement at %s: %+v", id, o)
		}
	}
}

func TestDivergenceRMS(t *testing.T) {
	t.Parallel()

	view := ladderView(t)
	a, b := view.ByPrice[2], view.ByPrice[1]
	view.Orders[a].State = types.StateActive
	view.Orders[a].Size = 120
	view.Orders[a].ChainOrderID = "1.7.1"
	view.Orders[b].State = types.StateActive
	view.Orders[b].Size = 80
	view.Orders[b].ChainOrderID = "1.7.2"

	ideal := map[string]float64{a: 100, b: 100}
	got := divergenceRMS(view, []string{a, b}, ideal)
	if math.Abs(got-20) > 1e-9 {
		t.Errorf("RMS = %v%%, want 20%%", got)
	}
}
