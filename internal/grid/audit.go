package grid

import (
	"sync"
	"time"

	"gridmaker/pkg/types"
)

// auditRingCap bounds the in-memory state-change history.
const auditRingCap = 100

// AuditEntry records one committed order mutation.
type AuditEntry struct {
	Seq       uint64           `json:"seq"`
	Time      time.Time        `json:"time"`
	SlotID    string           `json:"slot_id"`
	FromState types.OrderState `json:"from_state"`
	ToState   types.OrderState `json:"to_state"`
	FromType  types.OrderType  `json:"from_type"`
	ToType    types.OrderType  `json:"to_type"`
	FromSize  float64          `json:"from_size"`
	ToSize    float64          `json:"to_size"`
	Cause     string           `json:"cause"`
	Version   uint64           `json:"version"`
}

// auditRing is a fixed-capacity ring of the most recent state changes.
// Old entries are overwritten once the ring is full.
type auditRing struct {
	mu      sync.Mutex
	entries [auditRingCap]AuditEntry
	next    int
	count   int
	seq     uint64
}

func (r *auditRing) append(e AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	e.Seq = r.seq
	r.entries[r.next] = e
	r.next = (r.next + 1) % auditRingCap
	if r.count < auditRingCap {
		r.count++
	}
}

// tail returns up to n most recent entries, oldest first.
func (r *auditRing) tail(n int) []AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]AuditEntry, 0, n)
	start := r.next - n
	if start < 0 {
		start += auditRingCap
	}
	for i := 0; i < n; i++ {
		out = append(out, r.entries[(start+i)%auditRingCap])
	}
	return out
}
