package strategy

import (
	"log/slog"
	"math/rand"
	"testing"

	"gridmaker/internal/config"
	"gridmaker/internal/grid"
	"gridmaker/pkg/types"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testParams() Params {
	return Params{
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

func TestNewLadderShape(t *testing.T) {
	t.Parallel()

	orders, err := NewLadder(testParams(), 100, 96, 105)
	if err != nil {
		t.Fatal(err)
	}

	count := map[types.OrderType]int{}
	prev := 0.0
	for _, o := range orders {
		count[o.Type]++
		if o.Price <= prev {
			t.Fatalf("prices not strictly ascending at %s", o.ID)
		}
		prev = o.Price
		if o.State != types.StateVirtual || o.Size != 0 {
			t.Errorf("slot %s not born empty: %+v", o.ID, o)
		}
	}
	if count[types.OrderBuy] != 3 || count[types.OrderSpread] != 2 || count[types.OrderSell] != 3 {
		t.Errorf("ladder = %d BUY / %d SPREAD / %d SELL, want 3/2/3",
			count[types.OrderBuy], count[types.OrderSpread], count[types.OrderSell])
	}

	// The spread window straddles the start price.
	var spreadPrices []float64
	for _, o := range orders {
		if o.Type == types.OrderSpread {
			spreadPrices = append(spreadPrices, o.Price)
		}
	}
	if spreadPrices[0] >= 100 || spreadPrices[1] <= 100 {
		t.Errorf("spread window %v does not straddle 100", spreadPrices)
	}
}

func TestNewLadderRejectsTightBounds(t *testing.T) {
	t.Parallel()

	if _, err := NewLadder(testParams(), 100, 99.9, 100.1); err == nil {
		t.Error("NewLadder accepted bounds with no room")
	}
	if _, err := NewLadder(testParams(), 100, 200, 100); err == nil {
		t.Error("NewLadder accepted min >= max")
	}
}

func ladderView(t *testing.T) *grid.View {
	t.Helper()
	orders, err := NewLadder(testParams(), 100, 96, 105)
	if err != nil {
		t.Fatal(err)
	}
	m, err := grid.NewMaster(orders, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m.Freeze()
}

func TestRecoverBoundary(t *testing.T) {
	t.Parallel()
	p := testParams()

	// Empty grid: derived from the start price.
	view := ladderView(t)
	b := RecoverBoundary(p, view, 100)
	if got := view.Orders[view.ByPrice[b]].Type; got != types.OrderSell {
		t.Errorf("recovered boundary %d points at %s, want the first SELL", b, got)
	}

	// With an on-chain SELL, the lowest one wins.
	view.Orders[view.ByPrice[6]].State = types.StateActive
	view.Orders[view.ByPrice[6]].ChainOrderID = "1.7.1"
	if got := RecoverBoundary(p, view, 100); got != 6 {
		t.Errorf("boundary = %d, want 6 (lowest on-chain SELL)", got)
	}

	// Only on-chain BUYs: one spread-width above the highest.
	view = ladderView(t)
	view.Orders[view.ByPrice[1]].State = types.StateActive
	view.Orders[view.ByPrice[1]].ChainOrderID = "1.7.2"
	view.Orders[view.ByPrice[1]].Size = 10
	if got := RecoverBoundary(p, view, 100); got != 1+1+p.SpreadSlots() {
		t.Errorf("boundary = %d, want %d", got, 1+1+p.SpreadSlots())
	}
}

// Property: every full fill shifts the boundary by exactly ±1 toward
// the filled side; partials shift zero (before clamping).
func TestBoundaryCrawlSymmetry(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	const total, spread = 40, 2

	for trial := 0; trial < 200; trial++ {
		start := 10 + rng.Intn(20)
		var fills []FillEvent
		want := start
		for i := 0; i < rng.Intn(8); i++ {
			side := types.SideBuy
			if rng.Intn(2) == 0 {
				side = types.SideSell
			}
			full := rng.Intn(3) > 0
			fills = append(fills, FillEvent{Side: side, Full: full})
			if full {
				if side == types.SideBuy {
					want--
				} else {
					want++
				}
			}
		}
		got := CrawlBoundary(start, fills, total, spread)
		if want < spread+1 {
			want = spread + 1
		}
		if want > total-1 {
			want = total - 1
		}
		if got != want {
			t.Fatalf("trial %d: CrawlBoundary = %d, want %d (fills %+v)", trial, got, want, fills)
		}
	}
}

func TestBoundaryCrawlClamps(t *testing.T) {
	t.Parallel()

	fills := make([]FillEvent, 50)
	for i := range fills {
		fills[i] = FillEvent{Side: types.SideBuy, Full: true}
	}
	if got := CrawlBoundary(20, fills, 40, 2); got != 3 {
		t.Errorf("lower clamp = %d, want 3", got)
	}
	for i := range fills {
		fills[i] = FillEvent{Side: types.SideSell, Full: true}
	}
	if got := CrawlBoundary(20, fills, 40, 2); got != 39 {
		t.Errorf("upper clamp = %d, want 39", got)
	}
}
