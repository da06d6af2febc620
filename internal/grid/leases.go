package grid

import (
	"sync"
	"time"
)

const (
	// LockTimeout is the lease lifetime. A crashed or stuck holder
	// loses the slot after this long.
	LockTimeout = 10 * time.Second

	// LockRefreshMin is the minimum interval between lease refreshes;
	// more frequent refreshes are coalesced.
	LockRefreshMin = 250 * time.Millisecond
)

type lease struct {
	holder      string
	expiresAt   time.Time
	refreshedAt time.Time
}

// LeaseTable provides per-slot advisory locks with timeouts. Expired
// leases are reclaimed on the next acquisition attempt, so a dead holder
// never wedges a slot.
type LeaseTable struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

// NewLeaseTable creates an empty lease table.
func NewLeaseTable() *LeaseTable {
	return &LeaseTable{
		leases: make(map[string]lease),
		now:    time.Now,
	}
}

// Acquire takes the slot lease for holder. Returns false if another
// holder owns a live lease. Re-acquiring one's own lease refreshes it.
func (lt *LeaseTable) Acquire(slotID, holder string) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	now := lt.now()
	l, ok := lt.leases[slotID]
	if ok && l.holder != holder && now.Before(l.expiresAt) {
		return false
	}
	lt.leases[slotID] = lease{holder: holder, expiresAt: now.Add(LockTimeout), refreshedAt: now}
	return true
}

// Refresh extends the holder's lease. Refreshes arriving within
// LockRefreshMin of the previous one are no-ops (coalesced). Returns
// false if the lease expired or belongs to someone else.
func (lt *LeaseTable) Refresh(slotID, holder string) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	now := lt.now()
	l, ok := lt.leases[slotID]
	if !ok || l.holder != holder || !now.Before(l.expiresAt) {
		return false
	}
	if now.Sub(l.refreshedAt) < LockRefreshMin {
		return true
	}
	l.expiresAt = now.Add(LockTimeout)
	l.refreshedAt = now
	lt.leases[slotID] = l
	return true
}

// Release drops the holder's lease. Releasing a lease one does not hold
// is a no-op.
func (lt *LeaseTable) Release(slotID, holder string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if l, ok := lt.leases[slotID]; ok && l.holder == holder {
		delete(lt.leases, slotID)
	}
}

// Holder returns the current live holder of a slot lease, or "".
func (lt *LeaseTable) Holder(slotID string) string {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	l, ok := lt.leases[slotID]
	if !ok || !lt.now().Before(l.expiresAt) {
		return ""
	}
	return l.holder
}
