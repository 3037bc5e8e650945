// Package recoverable implements the recoverable transaction façade
// (component C7): the per-thread context application code drives through
// TxBegin/TxEnd/TxAbort, plus the bookkeeping every transactional data
// structure needs around those three calls - FIFO cleanups that run only
// after a successful commit, LIFO undos that only run on abort, and a
// LIFO unlock queue for the transactional-boosting backend (package
// skiplist's blocking mode) that always runs.
package recoverable

import (
	"runtime"

	"github.com/rs/zerolog"

	"github.com/cuemby/epochtx/pkg/epoch"
	"github.com/cuemby/epochtx/pkg/log"
	"github.com/cuemby/epochtx/pkg/reclaim"
	"github.com/cuemby/epochtx/pkg/txn"
	"github.com/cuemby/epochtx/pkg/types"
)

// ThreadContext is the handle application code holds for the lifetime of
// a worker goroutine: one per goroutine that runs transactions, reused
// across every transaction that goroutine issues.
type ThreadContext struct {
	handle      *txn.ThreadHandle
	coordinator *epoch.Coordinator
	tracker     *reclaim.Tracker
	logger      zerolog.Logger

	cleanups []func() // FIFO, run only on commit
	undos    []func() // LIFO, run only on abort
	unlocks  []func() // LIFO, always run (transactional-boosting mode)
	allocs   []uint64 // transient ids allocated this transaction
}

// NewThreadContext allocates a thread context bound to tid, wired against
// the shared epoch coordinator and reclamation tracker.
func NewThreadContext(tid uint32, coordinator *epoch.Coordinator, tracker *reclaim.Tracker) *ThreadContext {
	c := &ThreadContext{
		coordinator: coordinator,
		tracker:     tracker,
		logger:      log.WithComponent("recoverable"),
	}
	c.handle = txn.NewThreadHandle(tid, coordinator)
	c.logger = c.logger.With().Str("session", c.handle.SessionID.String()).Logger()
	return c
}

// Handle returns the underlying thread handle, for code that needs to
// issue raw Word operations (the skiplist package).
func (c *ThreadContext) Handle() *txn.ThreadHandle { return c.handle }

// InTx reports whether a transaction is currently open on this context.
func (c *ThreadContext) InTx() bool { return c.handle.InTx() }

// TryAbortEpoch implements epoch.Abortable: the coordinator calls this
// when it force-retires an epoch this context's transaction is still
// registered in (the nonblocking liveness policy).
func (c *ThreadContext) TryAbortEpoch(epoch uint64) bool {
	return txn.TryAbort(c.handle.Descriptor(), epoch)
}

// OnCleanup registers fn to run only after a successful commit, in the
// order registered (FIFO) - e.g. swinging a pointer past a node that was
// just logically deleted, or finalizing a slab allocation.
func (c *ThreadContext) OnCleanup(fn func()) { c.cleanups = append(c.cleanups, fn) }

// OnUndo registers fn to run only if the transaction aborts, in reverse
// order of registration (LIFO) - e.g. reverting a side effect that can't
// be expressed as an ordinary annotated-word write.
func (c *ThreadContext) OnUndo(fn func()) { c.undos = append(c.undos, fn) }

// OnUnlock registers fn to run at tx_end or tx_abort regardless of
// outcome, in reverse order of registration (LIFO) - the transactional-
// boosting backend uses this to release per-node locks in the reverse
// order they were acquired.
func (c *ThreadContext) OnUnlock(fn func()) { c.unlocks = append(c.unlocks, fn) }

// Alloc records a transiently allocated id for bookkeeping; callers that
// need to free transient allocations on abort should pair this with an
// OnUndo registration.
func (c *ThreadContext) Alloc(id uint64) { c.allocs = append(c.allocs, id) }

// Allocs returns the ids allocated so far in the current transaction.
func (c *ThreadContext) Allocs() []uint64 { return c.allocs }

// TxBegin opens a new transaction: reinitializes the descriptor, clears
// the façade's bookkeeping queues, and registers with the epoch
// coordinator.
func (c *ThreadContext) TxBegin() {
	c.handle.BeginTx()
	c.cleanups = c.cleanups[:0]
	c.undos = c.undos[:0]
	c.unlocks = c.unlocks[:0]
	c.allocs = c.allocs[:0]
	c.registerEpoch()
}

func (c *ThreadContext) registerEpoch() {
	e := c.coordinator.Begin(c.handle.Tid, c)
	c.handle.EnterProgress(e)
	c.handle.SetActiveEpoch(e)
}

// TxEnd commits the transaction if its read set still validates and its
// epoch is still live, or rolls it back otherwise. If the engine reports
// the abort was only due to the epoch advancing out from under the
// commit (not a real conflict), TxEnd re-registers under the new epoch
// and retries automatically rather than surfacing a spurious abort to the
// caller.
func (c *ThreadContext) TxEnd() (bool, error) {
	for {
		committed, stale := txn.OwnerTryComplete(c.handle.Descriptor(), c.coordinator)
		if stale {
			c.coordinator.End(c.handle.Tid, mustEpoch(c.handle))
			c.registerEpoch()
			continue
		}
		return committed, c.finish(committed)
	}
}

// TxAbort unconditionally aborts the open transaction and returns a
// BeforeCommit abort.
func (c *ThreadContext) TxAbort() error {
	c.handle.Descriptor().Abort()
	txn.OwnerTryComplete(c.handle.Descriptor(), c.coordinator)
	_ = c.finish(false)
	return types.NewAbort(types.BeforeCommit, "aborted by tx_abort")
}

func (c *ThreadContext) finish(committed bool) error {
	if e, ok := c.handle.ActiveEpoch(); ok {
		c.coordinator.End(c.handle.Tid, e)
		c.handle.ClearActiveEpoch()
	}
	for i := len(c.unlocks) - 1; i >= 0; i-- {
		c.unlocks[i]()
	}
	if !committed {
		for i := len(c.undos) - 1; i >= 0; i-- {
			c.undos[i]()
		}
	}
	if committed {
		for _, fn := range c.cleanups {
			fn()
		}
	}
	c.handle.EndTx()
	if !committed {
		return types.NewAbort(types.DuringCommit, "validation failed at tx_end")
	}
	return nil
}

// Sync blocks the calling goroutine until the global epoch reaches at
// least target, spinning with runtime.Gosched between checks. Callers use
// this to wait for a transaction's effects to be safely past the epoch
// advancer before relying on them being durable.
func (c *ThreadContext) Sync(target uint64) {
	for c.coordinator.GlobalEpoch() < target {
		runtime.Gosched()
	}
}

func mustEpoch(h *txn.ThreadHandle) uint64 {
	e, ok := h.ActiveEpoch()
	if !ok {
		return 0
	}
	return e
}
