// Package epoch implements the global epoch coordinator (component C5):
// the monotonic epoch counter every thread registers against while it has
// a transaction in flight, and the begin/drain/advance state machine a
// background advancer (package advancer) drives forward.
//
// The registration table is a plain mutex-guarded map, not a lock-free
// structure: only the per-cell and per-descriptor hot path needs to be
// lock-free, and a thread registers/unregisters at most once per
// transaction, so a mutex here costs nothing the design cares about.
package epoch

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cuemby/epochtx/pkg/log"
	"github.com/cuemby/epochtx/pkg/metrics"
)

// Abortable lets the coordinator cancel a thread's in-flight transaction
// when it force-retires the epoch that transaction joined (the
// nonblocking liveness policy). Package txn's ThreadHandle plus its
// Descriptor satisfy this through a small adapter in package recoverable,
// so epoch never imports txn and the two packages stay decoupled.
type Abortable interface {
	TryAbortEpoch(epoch uint64) bool
}

// Liveness names the policy a Coordinator is created with. The
// Coordinator stores it but does not consult it: Advance behaves the same
// under both values.
type Liveness int

const (
	// Blocking: the caller is expected to confirm Drained before calling
	// Advance. Advance does not wait; any thread still registered in the
	// retiring epoch is force-aborted as under NonBlocking.
	Blocking Liveness = iota
	// NonBlocking: Advance force-aborts any thread still registered in
	// the retiring epoch via Abortable.TryAbortEpoch, then proceeds
	// immediately.
	NonBlocking
)

// Coordinator is the global epoch counter plus the registration table of
// which threads are active in which epoch.
type Coordinator struct {
	global   atomic.Uint64
	liveness Liveness
	logger   zerolog.Logger

	mu       sync.Mutex
	perEpoch map[uint64]map[uint32]Abortable
}

// New returns a coordinator starting at epoch 0.
func New(liveness Liveness) *Coordinator {
	c := &Coordinator{
		liveness: liveness,
		logger:   log.WithComponent("epoch"),
		perEpoch: make(map[uint64]map[uint32]Abortable),
	}
	return c
}

// GlobalEpoch returns the current epoch.
func (c *Coordinator) GlobalEpoch() uint64 {
	return c.global.Load()
}

// CheckEpoch reports whether epoch is still the live global epoch. This
// is the method package txn's EpochChecker interface expects.
func (c *Coordinator) CheckEpoch(epoch uint64) bool {
	return c.global.Load() == epoch
}

// Begin registers tid as active in the current epoch and returns it. ab is
// the hook Advance uses to cancel tid's transaction if the nonblocking
// policy needs to force this epoch closed while tid is still in it.
func (c *Coordinator) Begin(tid uint32, ab Abortable) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.global.Load()
	bucket, ok := c.perEpoch[e]
	if !ok {
		bucket = make(map[uint32]Abortable)
		c.perEpoch[e] = bucket
	}
	bucket[tid] = ab
	metrics.ActiveThreads.Set(float64(c.countActiveLocked()))
	return e
}

// End unregisters tid from epoch, a no-op if it was already removed (e.g.
// by a concurrent force-abort during Advance).
func (c *Coordinator) End(tid uint32, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bucket, ok := c.perEpoch[epoch]; ok {
		delete(bucket, tid)
		if len(bucket) == 0 {
			delete(c.perEpoch, epoch)
		}
	}
	metrics.ActiveThreads.Set(float64(c.countActiveLocked()))
}

// Drained reports whether every thread has unregistered from epoch.
func (c *Coordinator) Drained(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.perEpoch[epoch]) == 0
}

// Advance retires the current epoch and returns the new one. Under
// Blocking liveness the caller must have already confirmed Drained; Advance
// treats any straggler found at that point as a programmer error and
// force-aborts it anyway rather than corrupting the counter. Under
// NonBlocking liveness, Advance force-aborts every straggler itself before
// moving the counter.
func (c *Coordinator) Advance() uint64 {
	c.mu.Lock()
	cur := c.global.Load()
	stragglers := c.perEpoch[cur]
	delete(c.perEpoch, cur)
	next := cur + 1
	c.global.Store(next)
	c.mu.Unlock()

	for tid, ab := range stragglers {
		if ab.TryAbortEpoch(cur) {
			c.logger.Warn().Uint32("tid", tid).Uint64("epoch", cur).Msg("force-aborted straggling transaction on epoch advance")
		}
	}

	metrics.GlobalEpoch.Set(float64(next))
	metrics.EpochAdvancesTotal.Inc()
	return next
}

func (c *Coordinator) countActiveLocked() int {
	n := 0
	for _, bucket := range c.perEpoch {
		n += len(bucket)
	}
	return n
}
