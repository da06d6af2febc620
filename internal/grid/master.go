package grid

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"gridmaker/pkg/types"
)

// Observer receives order transitions so the fund ledger can apply its
// optimistic deltas synchronously with the grid mutation. NewMaster's
// initial load is not reported, so old is never nil.
type Observer interface {
	OrderChanged(old, new *types.Order, cause string)
}

// ApplyOpts tunes a single ApplyOrderUpdate call.
type ApplyOpts struct {
	// SkipAccounting suppresses the observer notification. Recovery
	// paths rebuild the ledger from chain ground truth and must not
	// layer optimistic deltas on top.
	SkipAccounting bool
}

// View is a frozen read-only snapshot of the master grid at a version.
// Orders are deep clones; mutating them never touches the master.
type View struct {
	Version uint64
	Orders  map[string]*types.Order
	ByPrice []string // slot ids in ascending price order
}

// Get returns the snapshot order for a slot, or nil.
func (v *View) Get(slotID string) *types.Order {
	return v.Orders[slotID]
}

// Master is the authoritative slot-id → order mapping. All mutation goes
// through ApplyOrderUpdate (or CommitBatch, which wraps it) under the
// internal grid lock; readers take frozen snapshots.
type Master struct {
	mu      sync.Mutex // gridLock
	orders  map[string]*types.Order
	version uint64

	byState map[types.OrderState]map[string]struct{}
	byType  map[types.OrderType]map[string]struct{}
	byPrice []string // ascending price; static because prices are fixed

	obs    Observer
	audit  auditRing
	leases *LeaseTable
	logger *slog.Logger
}

// NewMaster builds a master grid from the initial slot set. Every order
// must pass shape validation; slot prices must be unique.
func NewMaster(orders []*types.Order, obs Observer, logger *slog.Logger) (*Master, error) {
	m := &Master{
		orders:  make(map[string]*types.Order, len(orders)),
		byState: make(map[types.OrderState]map[string]struct{}),
		byType:  make(map[types.OrderType]map[string]struct{}),
		obs:     obs,
		leases:  NewLeaseTable(),
		logger:  logger.With("component", "grid"),
	}
	for _, o := range orders {
		if err := validateShape(o); err != nil {
			return nil, err
		}
		if _, dup := m.orders[o.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate slot id %s", ErrInvalidState, o.ID)
		}
		c := o.Clone()
		m.orders[c.ID] = c
		m.indexAdd(c)
		m.byPrice = append(m.byPrice, c.ID)
	}
	sort.Slice(m.byPrice, func(i, j int) bool {
		return m.orders[m.byPrice[i]].Price < m.orders[m.byPrice[j]].Price
	})
	for i := 1; i < len(m.byPrice); i++ {
		a, b := m.orders[m.byPrice[i-1]], m.orders[m.byPrice[i]]
		if a.Price == b.Price {
			return nil, fmt.Errorf("%w: slots %s and %s share price %v", ErrInvalidState, a.ID, b.ID, a.Price)
		}
	}
	return m, nil
}

// Version returns the current master version.
func (m *Master) Version() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// Leases exposes the per-slot lease table.
func (m *Master) Leases() *LeaseTable { return m.leases }

// Get returns a deep copy of one slot, or nil if unknown.
func (m *Master) Get(slotID string) *types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[slotID]
	if !ok {
		return nil
	}
	return o.Clone()
}

// Freeze returns a deep-cloned snapshot of the whole grid. The snapshot
// is immune to later master mutations and vice versa.
func (m *Master) Freeze() *View {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := &View{
		Version: m.version,
		Orders:  make(map[string]*types.Order, len(m.orders)),
		ByPrice: append([]string(nil), m.byPrice...),
	}
	for id, o := range m.orders {
		v.Orders[id] = o.Clone()
	}
	return v
}

// SlotsByState returns slot ids currently in the given state.
func (m *Master) SlotsByState(s types.OrderState) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return setKeys(m.byState[s])
}

// SlotsByType returns slot ids currently of the given type.
func (m *Master) SlotsByType(t types.OrderType) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return setKeys(m.byType[t])
}

// FindByChainOrderID locates the slot owning a chain order id. Returns
// nil when no slot claims it (surplus chain order).
func (m *Master) FindByChainOrderID(chainID string) *types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.ChainOrderID == chainID {
			return o.Clone()
		}
	}
	return nil
}

// AuditTail returns up to n most recent audit entries, oldest first.
func (m *Master) AuditTail(n int) []AuditEntry {
	return m.audit.tail(n)
}

// ApplyOrderUpdate is the single mutation entry point. It validates the
// new order shape, swaps it in, refreshes the indices, bumps the master
// version, notifies the fund observer (unless opts.SkipAccounting), and
// records the transition in the audit ring.
func (m *Master) ApplyOrderUpdate(newOrder *types.Order, cause string, opts ApplyOpts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(newOrder, cause, opts)
}

// CommitBatch applies a set of updates atomically, but only if the
// master has not advanced past baseVersion since the caller froze it.
// On mismatch nothing is applied and ErrStaleCommit is returned.
func (m *Master) CommitBatch(baseVersion uint64, updates []*types.Order, cause string, opts ApplyOpts) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.version != baseVersion {
		return fmt.Errorf("%w: base version %d, master at %d", ErrStaleCommit, baseVersion, m.version)
	}
	for _, u := range updates {
		if err := validateShape(u); err != nil {
			return err
		}
		if _, ok := m.orders[u.ID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSlot, u.ID)
		}
	}
	for _, u := range updates {
		if err := m.applyLocked(u, cause, opts); err != nil {
			// Validated above; an error here means an index bug, not
			// caller input. Surface it loudly.
			m.logger.Error("commit apply failed mid-batch", "slot", u.ID, "error", err)
			return err
		}
	}
	return nil
}

func (m *Master) applyLocked(newOrder *types.Order, cause string, opts ApplyOpts) error {
	if err := validateShape(newOrder); err != nil {
		return err
	}
	old, ok := m.orders[newOrder.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, newOrder.ID)
	}
	if old.Price != newOrder.Price {
		return fmt.Errorf("%w: slot %s: price is fixed at grid creation (%v → %v)",
			ErrInvalidState, newOrder.ID, old.Price, newOrder.Price)
	}

	oldCopy := old.Clone()
	next := newOrder.Clone()

	m.indexRemove(old)
	m.orders[next.ID] = next
	m.indexAdd(next)
	m.version++

	m.audit.append(AuditEntry{
		Time:      time.Now(),
		SlotID:    next.ID,
		FromState: oldCopy.State,
		ToState:   next.State,
		FromType:  oldCopy.Type,
		ToType:    next.Type,
		FromSize:  oldCopy.Size,
		ToSize:    next.Size,
		Cause:     cause,
		Version:   m.version,
	})

	if m.obs != nil && !opts.SkipAccounting {
		m.obs.OrderChanged(oldCopy, next.Clone(), cause)
	}
	return nil
}

func (m *Master) indexAdd(o *types.Order) {
	if m.byState[o.State] == nil {
		m.byState[o.State] = make(map[string]struct{})
	}
	m.byState[o.State][o.ID] = struct{}{}
	if m.byType[o.Type] == nil {
		m.byType[o.Type] = make(map[string]struct{})
	}
	m.byType[o.Type][o.ID] = struct{}{}
}

func (m *Master) indexRemove(o *types.Order) {
	delete(m.byState[o.State], o.ID)
	delete(m.byType[o.Type], o.ID)
}

func setKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
