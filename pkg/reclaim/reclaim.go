// Package reclaim implements epoch-bounded reclamation (component C6):
// retired objects are held until the epoch advancer (C9) confirms no
// thread can still be reading an epoch old enough to have observed them,
// then freed. Double-retiring or double-freeing the same logical id is a
// programmer/data error (error handling design kind 4) and panics rather
// than silently corrupting the tracker.
package reclaim

import (
	"fmt"
	"sync"

	"github.com/cuemby/epochtx/pkg/metrics"
)

type item struct {
	id   uint64
	free func()
}

// Tracker buckets retired objects by the epoch they were retired in and
// releases them once that epoch is safely in the past.
type Tracker struct {
	mu       sync.Mutex
	pending  map[uint64][]item
	inFlight map[uint64]bool
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{
		pending:  make(map[uint64][]item),
		inFlight: make(map[uint64]bool),
	}
}

// Retire records that id was logically removed during epoch and that free
// should run once it is safe to reclaim. Panics if id is already pending
// reclamation.
func (t *Tracker) Retire(epoch, id uint64, free func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight[id] {
		panic(fmt.Sprintf("reclaim: double retire of id %d in epoch %d", id, epoch))
	}
	t.inFlight[id] = true
	t.pending[epoch] = append(t.pending[epoch], item{id: id, free: free})
	metrics.NodesRetired.Inc()
}

// FreeBefore releases every item retired strictly before safeEpoch,
// running its free callback exactly once, and returns how many were
// freed. Panics if the tracker's own bookkeeping is inconsistent (an id
// freed twice), which would indicate a bug in the caller's epoch
// arithmetic rather than a data race this package needs to tolerate.
func (t *Tracker) FreeBefore(safeEpoch uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	freed := 0
	for epoch, items := range t.pending {
		if epoch >= safeEpoch {
			continue
		}
		for _, it := range items {
			if !t.inFlight[it.id] {
				panic(fmt.Sprintf("reclaim: double free of id %d", it.id))
			}
			delete(t.inFlight, it.id)
			it.free()
			freed++
		}
		delete(t.pending, epoch)
	}
	metrics.NodesFreed.Add(float64(freed))
	return freed
}

// Pending returns the number of items still awaiting reclamation, for
// tests and diagnostics.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, items := range t.pending {
		n += len(items)
	}
	return n
}
