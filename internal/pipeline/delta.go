package pipeline

import (
	"math"
	"sort"

	"gridmaker/internal/grid"
	"gridmaker/pkg/types"
)

// Epsilon is the numeric tolerance for price and size comparison when
// diffing grids. Differences at or below it are not actions.
const Epsilon = 1e-6

// epsEqual reports whether two amounts are equal within Epsilon.
func epsEqual(a, b float64) bool {
	return math.Abs(a-b) <= Epsilon
}

// BuildActions diffs the plan's target intents against the frozen
// master view and emits the minimal create/update/cancel set. Every
// master≠target pair yields exactly one action; equal pairs yield none.
// Action pre-images are captured for post-commit rollback.
func BuildActions(view *grid.View, target map[string]*types.Order) []types.Action {
	ids := make([]string, 0, len(target))
	for id := range target {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var actions []types.Action
	for _, id := range ids {
		cur := view.Orders[id]
		tgt := target[id]
		if cur == nil || tgt == nil {
			continue
		}

		wantOnChain := tgt.State != types.StateVirtual && tgt.Size > Epsilon

		switch {
		case cur.OnChain() && wantOnChain && cur.Type == tgt.Type:
			if epsEqual(cur.Size, tgt.Size) && epsEqual(cur.Price, tgt.Price) {
				continue // every field equal: skip
			}
			actions = append(actions, types.Action{
				Kind:         types.ActionUpdate,
				SlotID:       id,
				ChainOrderID: cur.ChainOrderID,
				Type:         cur.Type,
				Price:        tgt.Price,
				Size:         tgt.Size,
				Prev:         cur.Clone(),
			})

		case cur.OnChain():
			// Target is virtual, zero, or the type flipped: the chain
			// order goes away.
			actions = append(actions, types.Action{
				Kind:         types.ActionCancel,
				SlotID:       id,
				ChainOrderID: cur.ChainOrderID,
				Type:         cur.Type,
				Prev:         cur.Clone(),
			})

		case wantOnChain:
			actions = append(actions, types.Action{
				Kind:   types.ActionCreate,
				SlotID: id,
				Type:   tgt.Type,
				Price:  tgt.Price,
				Size:   tgt.Size,
				Prev:   cur.Clone(),
			})
		}
	}
	return actions
}

// CounterActions computes the inverse batch from committed actions'
// pre-images: the post-commit rollback. Results pair with actions by
// index; only acknowledged actions are inverted.
func CounterActions(actions []types.Action, results []types.BroadcastResult) []types.Action {
	var counter []types.Action
	for i, a := range actions {
		if i >= len(results) || !results[i].OK() {
			continue
		}
		switch a.Kind {
		case types.ActionCreate:
			counter = append(counter, types.Action{
				Kind:         types.ActionCancel,
				SlotID:       a.SlotID,
				ChainOrderID: results[i].ChainOrderID,
				Type:         a.Type,
			})
		case types.ActionCancel:
			counter = append(counter, types.Action{
				Kind:   types.ActionCreate,
				SlotID: a.SlotID,
				Type:   a.Prev.Type,
				Price:  a.Prev.Price,
				Size:   a.Prev.Size,
			})
		case types.ActionUpdate:
			counter = append(counter, types.Action{
				Kind:         types.ActionUpdate,
				SlotID:       a.SlotID,
				ChainOrderID: a.ChainOrderID,
				Type:         a.Prev.Type,
				Price:        a.Prev.Price,
				Size:         a.Prev.Size,
			})
		}
	}
	return counter
}
