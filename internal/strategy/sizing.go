package strategy

import (
	"math"

	"gridmaker/internal/funds"
	"gridmaker/internal/grid"
	"gridmaker/pkg/types"
)

// sideSlots returns one side's slot ids ordered market-closest first:
// BUY walks high-price → low-price, SELL low-price → high-price.
func sideSlots(view *grid.View, boundary, spread int, side types.Side) []string {
	var out []string
	if side == types.SideBuy {
		for i := boundary - spread - 1; i >= 0; i-- {
			out = append(out, view.ByPrice[i])
		}
	} else {
		for i := boundary; i < len(view.ByPrice); i++ {
			out = append(out, view.ByPrice[i])
		}
	}
	return out
}

// sizeSide distributes the side's full budget over its entire topology
// with geometric weights. The weight quotient is (1-r)/r for weight
// distribution r: r = 0.5 spreads evenly, r > 0.5 biases toward the
// market-closest slot, which always carries the largest share. Shares
// below the practical minimum are zeroed.
func (p *Planner) sizeSide(view *grid.View, slots []string, side types.Side, allocated float64) map[string]float64 {
	sizes := make(map[string]float64, len(slots))
	if len(slots) == 0 || allocated <= 0 {
		return sizes
	}

	r := p.params.Grid.WeightDistribution.Buy
	if side == types.SideSell {
		r = p.params.Grid.WeightDistribution.Sell
	}
	// Config validation bounds r to [0.5, 1); below 0.5 the quotient
	// would exceed 1 and put the largest share on the farthest slot.
	// Directly constructed params get the even split.
	if r < 0.5 {
		r = 0.5
	}
	q := (1 - r) / r

	weights := make([]float64, len(slots))
	var sum float64
	w := 1.0
	for i := range slots {
		weights[i] = w
		sum += w
		w *= q
	}

	for i, id := range slots {
		share := allocated * weights[i] / sum
		o := view.Orders[id]
		if share < p.params.minOrderFor(sideOrderType(side), o.Price) {
			share = 0
		}
		sizes[id] = share
	}
	return sizes
}

func sideOrderType(side types.Side) types.OrderType {
	if side == types.SideBuy {
		return types.OrderBuy
	}
	return types.OrderSell
}

// allocatedFor is the side's full budget: free plus already-committed
// plus realized proceeds awaiting redeployment, scaled by the
// configured bot-funds fraction of the free portion.
func (p *Planner) allocatedFor(side types.Side, f funds.Snapshot) float64 {
	l := f.Side(side)
	frac := p.params.Grid.BotFunds.Buy
	if side == types.SideSell {
		frac = p.params.Grid.BotFunds.Sell
	}
	if frac <= 0 || frac > 1 {
		frac = 1
	}
	return l.Free*frac + l.CommittedGrid + l.CacheFunds
}

// divergenceRMS is the root-mean-square relative drift (in percent)
// between current committed sizes and the freshly computed ideals.
func divergenceRMS(view *grid.View, slots []string, ideal map[string]float64) float64 {
	var sum float64
	var n int
	for _, id := range slots {
		o := view.Orders[id]
		want := ideal[id]
		if o.State == types.StateVirtual || want <= 0 {
			continue
		}
		rel := (o.Size - want) / want
		sum += rel * rel
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum/float64(n)) * 100
}

// shouldRegenerate applies the grid-divergence trigger: RMS drift above
// the threshold and enough cached proceeds to make re-sizing worthwhile.
func (p *Planner) shouldRegenerate(view *grid.View, slots []string, ideal map[string]float64, side types.Side, f funds.Snapshot) bool {
	l := f.Side(side)
	if l.CommittedGrid <= 0 {
		return false
	}
	if l.CacheFunds <= RegenCacheFraction*l.CommittedGrid {
		return false
	}
	return divergenceRMS(view, slots, ideal) > RMSPercentage
}
