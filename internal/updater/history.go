package updater

import (
	"sync"

	"github.com/conneroisu/conflux/internal/types"
)

// ring is a fixed-capacity record buffer. Once full, each push evicts the
// oldest record.
type ring struct {
	mu      sync.Mutex
	records []types.UpdateRecord
	next    int
	full    bool
}

func newRing(capacity int) *ring {
	return &ring{records: make([]types.UpdateRecord, capacity)}
}

func (r *ring) push(rec types.UpdateRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[r.next] = rec
	r.next++
	if r.next == len(r.records) {
		r.next = 0
		r.full = true
	}
}

// list copies the buffered records oldest-first.
func (r *ring) list() []types.UpdateRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]types.UpdateRecord, r.next)
		copy(out, r.records[:r.next])

		return out
	}

	out := make([]types.UpdateRecord, 0, len(r.records))
	out = append(out, r.records[r.next:]...)
	out = append(out, r.records[:r.next]...)

	return out
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.full {
		return len(r.records)
	}

	return r.next
}
