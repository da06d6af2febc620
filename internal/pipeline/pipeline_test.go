package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"testing"

	"gridmaker/internal/config"
	"gridmaker/internal/funds"
	"gridmaker/internal/grid"
	"gridmaker/internal/strategy"
	"gridmaker/pkg/types"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testParams() strategy.Params {
	return strategy.Params{
		Grid: config.GridConfig{
			IncrementPercent:    1,
			TargetSpreadPercent: 2,
			ActiveOrders:        config.SideCounts{Buy: 3, Sell: 3},
			WeightDistribution:  config.SideValues{Buy: 0.5, Sell: 0.5},
			BotFunds:            config.SideValues{Buy: 1, Sell: 1},
			ReactionCap:         6,
		},
		MinOrderBase: 0.001,
	}
}

// fakeChain acknowledges every action, assigning sequential chain ids
// to creates. An optional hook runs between broadcast and return, to
// simulate a fill racing the commit.
type fakeChain struct {
	nextID    int
	batches   [][]types.Action
	midFlight func()
	failKind  types.ActionKind // actions of this kind are rejected
}

func (f *fakeChain) BroadcastBatch(ctx context.Context, actions []types.Action) ([]types.BroadcastResult, error) {
	f.batches = append(f.batches, actions)
	results := make([]types.BroadcastResult, len(actions))
	for i, a := range actions {
		if f.failKind != "" && a.Kind == f.failKind {
			results[i] = types.BroadcastResult{Err: "rejected"}
			continue
		}
		if a.Kind == types.ActionCreate {
			f.nextID++
			results[i] = types.BroadcastResult{ChainOrderID: fmt.Sprintf("1.7.%d", 100+f.nextID)}
		}
	}
	if f.midFlight != nil {
		f.midFlight()
	}
	return results, nil
}

type fixture struct {
	master   *grid.Master
	acct     *funds.Accountant
	pipe     *Pipeline
	chain    *fakeChain
	boundary int
}

func newFixture(t *testing.T, buyBudget, sellBudget float64) *fixture {
	t.Helper()

	params := testParams()
	orders, err := strategy.NewLadder(params, 100, 96, 105)
	if err != nil {
		t.Fatal(err)
	}
	acct := funds.New(5, 5, types.FeeSchedule{}, testLogger())
	master, err := grid.NewMaster(orders, acct, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	acct.SetAccountTotals(types.SideBuy, buyBudget, buyBudget)
	acct.SetAccountTotals(types.SideSell, sellBudget, sellBudget)

	chain := &fakeChain{}
	planner := strategy.New(params, testLogger())
	pipe := New(master, acct, planner, chain, testLogger())
	return &fixture{master: master, acct: acct, pipe: pipe, chain: chain, boundary: 5}
}

// S1: full lifecycle, no faults. Six creates, all ACTIVE after commit,
// free balances drained to zero, committed totals equal the budgets.
func TestCycleFullLifecycle(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 3000, 30)

	res, err := fx.pipe.RunCycle(context.Background(), nil, fx.boundary)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !res.Committed || res.Stale {
		t.Fatalf("result = %+v, want committed", res)
	}
	if res.Actions != 6 {
		t.Errorf("actions = %d, want 6", res.Actions)
	}

	view := fx.master.Freeze()
	var active int
	for _, o := range view.Orders {
		if o.State == types.StateActive {
			active++
			if !o.OnChain() {
				t.Errorf("slot %s ACTIVE without chain id", o.ID)
			}
		}
	}
	if active != 6 {
		t.Errorf("active slots = %d, want 6", active)
	}

	snap := fx.acct.Snapshot()
	if math.Abs(snap.Buy.Free) > 1e-9 || math.Abs(snap.Sell.Free) > 1e-9 {
		t.Errorf("free = %v / %v, want 0 / 0", snap.Buy.Free, snap.Sell.Free)
	}
	if math.Abs(snap.Buy.CommittedGrid-3000) > 1e-9 || math.Abs(snap.Sell.CommittedGrid-30) > 1e-9 {
		t.Errorf("committed.grid = %v / %v, want 3000 / 30", snap.Buy.CommittedGrid, snap.Sell.CommittedGrid)
	}
	if snap.Buy.TotalGrid() != snap.Buy.CommittedGrid || snap.Sell.TotalGrid() != snap.Sell.CommittedGrid {
		t.Errorf("total.grid != committed.grid after full placement")
	}
	if err := fx.acct.VerifyInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
	if fx.pipe.State() != StateNormal {
		t.Errorf("state = %v, want normal", fx.pipe.State())
	}
}

// P4: planning and projecting never touches the master before commit.
func TestMasterUntouchedBeforeCommit(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 3000, 30)

	pre := fx.master.Freeze()

	// A broadcaster that rejects everything: resolve reverts all slots,
	// so the commit applies nothing new.
	fx.chain.failKind = types.ActionCreate
	if _, err := fx.pipe.RunCycle(context.Background(), nil, fx.boundary); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	post := fx.master.Freeze()
	for id, want := range pre.Orders {
		got := post.Orders[id]
		if got.State != want.State || got.Size != want.Size || got.ChainOrderID != want.ChainOrderID {
			t.Errorf("slot %s changed without an acknowledged action: %+v -> %+v", id, want, got)
		}
	}
}

// S4 / P5: a fill landing between broadcast and commit poisons the
// working grid; the commit is refused and the master keeps the fill.
func TestConcurrentFillRefusesCommit(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 3000, 30)

	// Cycle 1: initial placement.
	if _, err := fx.pipe.RunCycle(context.Background(), nil, fx.boundary); err != nil {
		t.Fatal(err)
	}

	// A sell fill arrives: slot-5 virtualizes, proceeds cached.
	sellFill := func() {
		o := fx.master.Get("slot-5")
		o.State = types.StateVirtual
		o.Type = types.OrderSpread
		o.Size = 0
		o.ChainOrderID = ""
		if err := fx.master.ApplyOrderUpdate(o, "fill", grid.ApplyOpts{}); err != nil {
			t.Error(err)
		}
		fx.pipe.NotifyFill("slot-5")
	}

	// Cycle 2: another fill (slot-6) lands mid-broadcast.
	fx.acct.SetCacheFunds(types.SideBuy, 1020) // proceeds of the slot-5 fill
	fx.chain.midFlight = func() {
		o := fx.master.Get("slot-6")
		o.State = types.StateVirtual
		o.Type = types.OrderSpread
		o.Size = 0
		o.ChainOrderID = ""
		if err := fx.master.ApplyOrderUpdate(o, "fill", grid.ApplyOpts{}); err != nil {
			t.Error(err)
		}
		fx.pipe.NotifyFill("slot-6")
	}
	sellFill()

	fills := []strategy.FillEvent{{SlotID: "slot-5", Side: types.SideSell, Full: true}}
	res, err := fx.pipe.RunCycle(context.Background(), fills, fx.boundary)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !res.Stale || res.Committed {
		t.Fatalf("result = %+v, want stale refusal", res)
	}

	// Master kept both fills; the planned actions did not land.
	if got := fx.master.Get("slot-6"); got.State != types.StateVirtual {
		t.Errorf("slot-6 fill lost: %+v", got)
	}
	if got := fx.master.Get("slot-3"); got.State != types.StateVirtual || got.OnChain() {
		t.Errorf("refused commit still placed slot-3: %+v", got)
	}
	if fx.pipe.State() != StateNormal {
		t.Errorf("state = %v, want normal after refusal", fx.pipe.State())
	}
}

func TestPreValidateInsufficientFunds(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 3000, 30)

	// Pre-validation compares the plan against the live snapshot, so a
	// hand-built oversized target stands in for a ledger that shrank
	// between plan and validation.
	target := map[string]*types.Order{
		"slot-0": {ID: "slot-0", Price: 96, Type: types.OrderBuy, State: types.StateActive, Size: 5000, IdealSize: 5000},
	}
	err := fx.pipe.preValidate(target)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("preValidate = %v, want ErrInsufficientFunds", err)
	}

	// Exactly at the allocation: allowed (1 ulp tolerance).
	target["slot-0"].Size = 3000
	if err := fx.pipe.preValidate(target); err != nil {
		t.Errorf("preValidate at allocation = %v, want nil", err)
	}
}

// A rejected create leaves its slot virtual and its funds untouched.
func TestFailedCreateReverts(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 3000, 30)
	fx.chain.failKind = types.ActionCreate

	res, err := fx.pipe.RunCycle(context.Background(), nil, fx.boundary)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Stale {
		t.Fatal("unexpected stale")
	}
	snap := fx.acct.Snapshot()
	if snap.Buy.Free != 3000 || snap.Buy.CommittedChain != 0 {
		t.Errorf("funds moved for rejected creates: %+v", snap.Buy)
	}
}

func TestStateDuringCycle(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 3000, 30)

	var seen State
	fx.chain.midFlight = func() { seen = fx.pipe.State() }
	if _, err := fx.pipe.RunCycle(context.Background(), nil, fx.boundary); err != nil {
		t.Fatal(err)
	}
	if seen != StateBroadcasting {
		t.Errorf("state during broadcast = %v, want broadcasting", seen)
	}
	if fx.pipe.State() != StateNormal {
		t.Errorf("state after cycle = %v, want normal", fx.pipe.State())
	}
}

// A foreign lease on a planned slot drops the whole attempt.
func TestSlotLeaseBlocksCycle(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 3000, 30)

	if !fx.master.Leases().Acquire("slot-2", "maintenance") {
		t.Fatal("test lease acquire failed")
	}
	_, err := fx.pipe.RunCycle(context.Background(), nil, fx.boundary)
	if !errors.Is(err, ErrSlotBusy) {
		t.Fatalf("RunCycle = %v, want ErrSlotBusy", err)
	}
	if got := fx.master.Get("slot-2"); got.State != types.StateVirtual {
		t.Errorf("blocked cycle still mutated slot-2: %+v", got)
	}

	// Lease released: the next cycle proceeds.
	fx.master.Leases().Release("slot-2", "maintenance")
	res, err := fx.pipe.RunCycle(context.Background(), nil, fx.boundary)
	if err != nil || !res.Committed {
		t.Errorf("cycle after release = (%+v, %v), want committed", res, err)
	}
}

// NotifyFill outside an active attempt is a no-op.
func TestNotifyFillWhenIdle(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 3000, 30)
	fx.pipe.NotifyFill("slot-0") // must not panic or wedge state
	if fx.pipe.State() != StateNormal {
		t.Error("idle NotifyFill changed state")
	}
}
