package grid

import (
	"sort"
	"sync"

	"gridmaker/pkg/types"
)

// Working is the transient grid one rebalance attempt plans against.
// It starts as a deep clone of a frozen master view and tracks which
// slots the plan touched. If fills advance the master while the attempt
// is in flight, the pipeline re-clones the affected slots in and marks
// the working grid stale; the commit step then refuses it.
type Working struct {
	mu          sync.Mutex
	baseVersion uint64
	orders      map[string]*types.Order
	byPrice     []string
	modified    map[string]struct{}
	stale       bool
	staleReason string

	// Lazily rebuilt index triple; nil means dirty.
	idxByState map[types.OrderState][]string
	idxByType  map[types.OrderType][]string
}

// NewWorking clones a frozen view into a fresh working grid.
func NewWorking(v *View) *Working {
	w := &Working{
		baseVersion: v.Version,
		orders:      make(map[string]*types.Order, len(v.Orders)),
		byPrice:     append([]string(nil), v.ByPrice...),
		modified:    make(map[string]struct{}),
	}
	for id, o := range v.Orders {
		w.orders[id] = o.Clone()
	}
	return w
}

// BaseVersion returns the master version this working grid tracks.
func (w *Working) BaseVersion() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.baseVersion
}

// Get returns a clone of a slot's working copy, or nil. Changes reach
// the working grid only through Set.
func (w *Working) Get(slotID string) *types.Order {
	w.mu.Lock()
	defer w.mu.Unlock()
	o, ok := w.orders[slotID]
	if !ok {
		return nil
	}
	return o.Clone()
}

// Set replaces a slot in the working grid and marks it modified.
func (w *Working) Set(o *types.Order) error {
	if err := validateShape(o); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.orders[o.ID]; !ok {
		return ErrUnknownSlot
	}
	w.orders[o.ID] = o.Clone()
	w.modified[o.ID] = struct{}{}
	w.idxByState, w.idxByType = nil, nil
	return nil
}

// Modified returns the set of slot ids the plan touched, sorted.
func (w *Working) Modified() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.modified))
	for id := range w.modified {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ModifiedOrders returns clones of the touched slots, sorted by id.
func (w *Working) ModifiedOrders() []*types.Order {
	ids := w.Modified()
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*types.Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, w.orders[id].Clone())
	}
	return out
}

// MarkStale flags the grid as unfit to commit, with a phase-tagged reason.
func (w *Working) MarkStale(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stale = true
	w.staleReason = reason
}

// IsStale reports whether this attempt must be discarded.
func (w *Working) IsStale() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stale
}

// StaleReason returns the phase-tagged reason, or "".
func (w *Working) StaleReason() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.staleReason
}

// SyncFromMaster re-clones one slot from the master after a fill landed
// mid-attempt. The working grid adopts the master's new version and is
// marked stale so the commit step refuses it.
func (w *Working) SyncFromMaster(masterOrder *types.Order, masterVersion uint64, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.orders[masterOrder.ID] = masterOrder.Clone()
	delete(w.modified, masterOrder.ID)
	w.baseVersion = masterVersion
	w.stale = true
	w.staleReason = reason
	w.idxByState, w.idxByType = nil, nil
}

// ByPriceAsc returns all slot ids in ascending price order.
func (w *Working) ByPriceAsc() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.byPrice...)
}

// ByState returns slot ids in the given state, ascending by price.
func (w *Working) ByState(s types.OrderState) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rebuildLocked()
	return append([]string(nil), w.idxByState[s]...)
}

// ByType returns slot ids of the given type, ascending by price.
func (w *Working) ByType(t types.OrderType) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rebuildLocked()
	return append([]string(nil), w.idxByType[t]...)
}

// Orders returns clones of every slot, keyed by id.
func (w *Working) Orders() map[string]*types.Order {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]*types.Order, len(w.orders))
	for id, o := range w.orders {
		out[id] = o.Clone()
	}
	return out
}

func (w *Working) rebuildLocked() {
	if w.idxByState != nil {
		return
	}
	w.idxByState = make(map[types.OrderState][]string)
	w.idxByType = make(map[types.OrderType][]string)
	for _, id := range w.byPrice {
		o := w.orders[id]
		w.idxByState[o.State] = append(w.idxByState[o.State], id)
		w.idxByType[o.Type] = append(w.idxByType[o.Type], id)
	}
}
