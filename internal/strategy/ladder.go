// Package strategy computes target grids: a pure planner over a frozen
// view of the master grid, the fund snapshot, and the fills since the
// last plan.
//
// The grid is a geometric ladder of fixed-price slots. The boundary —
// the index of the first SELL slot — crawls one slot toward the filled
// side on every full fill, dragging the spread window and both active
// windows with it. Sizing distributes each side's budget over the whole
// side topology with a geometric weight, so a later window shift never
// meets a grossly mis-sized slot.
package strategy

import (
	"fmt"
	"math"

	"gridmaker/internal/config"
	"gridmaker/internal/grid"
	"gridmaker/pkg/types"
)

const (
	// MinSpreadOrders is the minimum number of empty slots kept between
	// the best buy and the best sell.
	MinSpreadOrders = 2

	// MinOrderSizeFactor scales the blockchain minimum into the bot's
	// practical floor: orders below it are not worth their fees.
	MinOrderSizeFactor = 50

	// PartialDustThreshold classifies a PARTIAL as dust when its
	// remaining size falls below this fraction of its ideal size.
	PartialDustThreshold = 0.05

	// PartialActiveRestoreRatio governs whether a chain-resized order
	// counts as restored to ideal or stays PARTIAL.
	PartialActiveRestoreRatio = 0.95

	// RMSPercentage is the grid-divergence trigger: relative size drift
	// (root mean square, in percent) beyond this may regenerate a side.
	RMSPercentage = 14.3

	// RegenCacheFraction: regeneration additionally requires the side
	// cache to exceed this fraction of the committed total.
	RegenCacheFraction = 0.03

	// sizeTolerance is the relative size drift below which an existing
	// order is kept rather than updated.
	sizeTolerance = 0.10
)

// Params bundles the static planner inputs.
type Params struct {
	Grid         config.GridConfig
	MinOrderBase float64 // blockchain minimum order size, base units
}

// minOrderFor returns the practical minimum size for a slot, in the
// slot's native asset.
func (p Params) minOrderFor(slotType types.OrderType, price float64) float64 {
	min := p.MinOrderBase * MinOrderSizeFactor
	if slotType == types.OrderBuy {
		return min * price
	}
	return min
}

// SpreadSlots returns the number of SPREAD slots the geometry calls for.
func (p Params) SpreadSlots() int {
	n := int(math.Round(p.Grid.TargetSpreadPercent / p.Grid.IncrementPercent))
	if n < MinSpreadOrders {
		n = MinSpreadOrders
	}
	return n
}

// NewLadder builds the initial slot ladder around startPrice: a
// geometric walk with the configured increment, clamped to [minPrice,
// maxPrice]. Slots below the spread window are BUY, above it SELL, and
// the SpreadSlots() prices nearest the start form the SPREAD window.
// Slot ids are "slot-N" in ascending price order.
func NewLadder(p Params, startPrice, minPrice, maxPrice float64) ([]*types.Order, error) {
	if startPrice <= 0 || minPrice <= 0 || minPrice >= maxPrice {
		return nil, fmt.Errorf("%w: ladder bounds start=%v min=%v max=%v",
			config.ErrInvalidConfig, startPrice, minPrice, maxPrice)
	}
	step := 1 + p.Grid.IncrementPercent/100

	var below, above []float64
	for price := startPrice / step; price >= minPrice; price /= step {
		below = append(below, price) // descending from the market
	}
	for price := startPrice * step; price <= maxPrice; price *= step {
		above = append(above, price) // ascending from the market
	}

	spread := p.SpreadSlots()
	spreadBelow := spread / 2
	spreadAbove := spread - spreadBelow
	if spreadBelow > len(below) || spreadAbove > len(above) {
		return nil, fmt.Errorf("%w: price bounds leave no room for the spread window",
			config.ErrInvalidConfig)
	}
	if len(below)-spreadBelow < 1 || len(above)-spreadAbove < 1 {
		return nil, fmt.Errorf("%w: price bounds leave no tradable slots", config.ErrInvalidConfig)
	}

	// Ascending price: far buys first.
	total := len(below) + len(above)
	orders := make([]*types.Order, 0, total)
	for i := len(below) - 1; i >= 0; i-- {
		orders = append(orders, &types.Order{Price: below[i]})
	}
	for _, price := range above {
		orders = append(orders, &types.Order{Price: price})
	}

	boundary := len(below) + spreadAbove // index of the first SELL
	for i, o := range orders {
		o.ID = fmt.Sprintf("slot-%d", i)
		o.State = types.StateVirtual
		o.Type = slotType(i, boundary, spread)
	}
	return orders, nil
}

// slotType classifies a slot index against a boundary: SELL at and
// above it, SPREAD in the spread window just below, BUY below that.
func slotType(idx, boundary, spreadSlots int) types.OrderType {
	switch {
	case idx >= boundary:
		return types.OrderSell
	case idx >= boundary-spreadSlots:
		return types.OrderSpread
	default:
		return types.OrderBuy
	}
}

// RecoverBoundary derives the boundary from grid state on cold start:
// the lowest on-chain SELL, else one spread-width above the highest
// on-chain BUY, else spread/2 slots past the first slot priced above
// startPrice (the fallbacks go through clampBoundary).
func RecoverBoundary(p Params, view *grid.View, startPrice float64) int {
	spread := p.SpreadSlots()

	lowestSell, highestBuy := -1, -1
	for i, id := range view.ByPrice {
		o := view.Orders[id]
		if !o.OnChain() {
			continue
		}
		if o.Type == types.OrderSell && lowestSell == -1 {
			lowestSell = i
		}
		if o.Type == types.OrderBuy {
			highestBuy = i
		}
	}
	if lowestSell >= 0 {
		return lowestSell
	}
	if highestBuy >= 0 {
		return clampBoundary(highestBuy+1+spread, len(view.ByPrice), spread)
	}
	for i, id := range view.ByPrice {
		if view.Orders[id].Price > startPrice {
			return clampBoundary(i+spread/2, len(view.ByPrice), spread)
		}
	}
	return clampBoundary(len(view.ByPrice)/2, len(view.ByPrice), spread)
}

// clampBoundary keeps the boundary where a full spread window plus at
// least one slot per side fits.
func clampBoundary(b, total, spread int) int {
	if b < spread+1 {
		b = spread + 1
	}
	if b > total-1 {
		b = total - 1
	}
	return b
}

// CrawlBoundary shifts the boundary one slot toward the filled side per
// full fill: a BUY fill means the market ate our bid (price moved down),
// a SELL fill the opposite. Partial fills do not move the boundary.
func CrawlBoundary(boundary int, fills []FillEvent, total, spread int) int {
	for _, f := range fills {
		if !f.Full {
			continue
		}
		if f.Side == types.SideBuy {
			boundary--
		} else {
			boundary++
		}
	}
	return clampBoundary(boundary, total, spread)
}

// FillEvent is the planner's view of one settled fill.
type FillEvent struct {
	SlotID string
	Side   types.Side
	Full   bool
}
