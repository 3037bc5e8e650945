package txn

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/cuemby/epochtx/pkg/metrics"
)

// EpochChecker lets the descriptor engine ask the epoch coordinator (C5)
// whether a transaction's joined epoch is still the live one, without
// importing package epoch directly. Package epoch never needs to know
// about descriptors; the recoverable façade (C7) is what wires a real
// epoch.Coordinator into this interface for both sides.
type EpochChecker interface {
	CheckEpoch(epoch uint64) bool
}

// ThreadHandle is the per-thread state every Word and engine operation is
// handed explicitly: which descriptor this thread owns, whether it is
// currently inside a transaction, which epoch it last registered under,
// and whether it is mid rolling-CAS sequence. Bundling this as an explicit
// argument (rather than a goroutine-local) is the Go-native stand-in for
// the reference design's thread-local EpochSys state.
type ThreadHandle struct {
	Tid       uint32
	SessionID uuid.UUID

	desc    *Descriptor
	checker EpochChecker

	inTx    atomic.Bool
	rolling atomic.Bool

	hasEpoch    atomic.Bool
	activeEpoch atomic.Uint64
}

// NewThreadHandle allocates a thread handle and its backing descriptor.
func NewThreadHandle(tid uint32, checker EpochChecker) *ThreadHandle {
	return &ThreadHandle{
		Tid:       tid,
		SessionID: uuid.New(),
		desc:      NewDescriptor(tid),
		checker:   checker,
	}
}

func (tc *ThreadHandle) Descriptor() *Descriptor { return tc.desc }
func (tc *ThreadHandle) InTx() bool              { return tc.inTx.Load() }

// ActiveEpoch returns the epoch this thread last registered under, if any.
func (tc *ThreadHandle) ActiveEpoch() (uint64, bool) {
	if !tc.hasEpoch.Load() {
		return 0, false
	}
	return tc.activeEpoch.Load(), true
}

func (tc *ThreadHandle) SetActiveEpoch(epoch uint64) {
	tc.activeEpoch.Store(epoch)
	tc.hasEpoch.Store(true)
}

func (tc *ThreadHandle) ClearActiveEpoch() {
	tc.hasEpoch.Store(false)
}

// BeginTx reinitializes the thread's descriptor for a fresh transaction
// instance and marks the thread as being inside one. The caller (the
// recoverable façade) is responsible for registering with the epoch
// coordinator and calling EnterProgress before issuing any operation.
func (tc *ThreadHandle) BeginTx() {
	tc.desc.Reinit()
	tc.rolling.Store(false)
	tc.inTx.Store(true)
}

// EnterProgress transitions the thread's descriptor to in-progress under
// the given epoch.
func (tc *ThreadHandle) EnterProgress(epoch uint64) bool {
	return tc.desc.SetInProgress(epoch)
}

// EndTx clears the in-transaction flag. Called once the descriptor has
// reached a terminal state and been fully uninstalled.
func (tc *ThreadHandle) EndTx() {
	tc.inTx.Store(false)
	tc.rolling.Store(false)
}

// HelperTryComplete is the entry point any thread calls when it discovers
// a foreign descriptor installed in a cell it was trying to read or write.
// w and observed identify the triggering cell and the state the caller
// saw there; if the cell has already moved on, this returns immediately
// since some other thread is evidently already handling it.
func HelperTryComplete(w *Word, observed *cellState, checker EpochChecker) {
	d := observed.desc
	if w.state.Load() != observed {
		return
	}

	snap := d.tidSnStatus.Load()
	if unpackStatus(snap) == StatusInPrep {
		d.tidSnStatus.CompareAndSwap(snap, withStatus(snap, StatusAborted))
		snap = d.tidSnStatus.Load()
	}

	if unpackStatus(snap) == StatusInProgress {
		ok := validateReads(d, snap, true) && checker.CheckEpoch(d.epoch.Load())
		target := StatusAborted
		if ok {
			target = StatusCommitted
		} else {
			metrics.TransactionsAborted.WithLabelValues("during_commit").Inc()
		}
		d.tidSnStatus.CompareAndSwap(snap, withStatus(snap, target))
		snap = d.tidSnStatus.Load()
	}

	uninstallAll(d, snap, true)
	metrics.HelpedCompletions.Inc()
}

// OwnerTryComplete drives a descriptor from in-progress to a terminal
// state and uninstalls it, called by the owning thread at tx_end. It
// reports whether the transaction committed. epochStale signals that the
// commit-time epoch check failed because the epoch advanced out from
// under the transaction (not because of a conflicting write) - the caller
// may choose to re-register under the new epoch and retry rather than
// treating this as a hard abort.
func OwnerTryComplete(d *Descriptor, checker EpochChecker) (committed bool, epochStale bool) {
	for {
		snap := d.tidSnStatus.Load()
		switch unpackStatus(snap) {
		case StatusCommitted:
			uninstallAll(d, snap, false)
			return true, false
		case StatusAborted:
			uninstallAll(d, snap, false)
			return false, false
		case StatusInPrep:
			// A helper should never leave us here; defensive resync only.
			d.tidSnStatus.CompareAndSwap(snap, withStatus(snap, StatusInProgress))
			continue
		}

		readsOK := validateReads(d, snap, false)
		epochOK := checker.CheckEpoch(d.epoch.Load())
		if readsOK && !epochOK {
			if d.tidSnStatus.CompareAndSwap(snap, withStatus(snap, StatusInPrep)) {
				return false, true
			}
			continue
		}

		target := StatusAborted
		if readsOK && epochOK {
			target = StatusCommitted
		} else {
			metrics.TransactionsAborted.WithLabelValues("during_commit").Inc()
		}
		if !d.tidSnStatus.CompareAndSwap(snap, withStatus(snap, target)) {
			continue // a helper raced us to a decision; reload and observe it
		}
		uninstallAll(d, withStatus(snap, target), false)
		return target == StatusCommitted, false
	}
}

// TryAbort is the epoch advancer's (C9) cancellation hook: it aborts a
// still-in-flight descriptor whose joined epoch is being retired, so a
// stalled thread cannot hold that epoch open indefinitely. It is a no-op
// if the descriptor is already terminal or has moved to a different
// epoch since the advancer last looked.
func TryAbort(d *Descriptor, epoch uint64) bool {
	for {
		snap := d.tidSnStatus.Load()
		st := unpackStatus(snap)
		if st == StatusCommitted || st == StatusAborted {
			return false
		}
		if d.epoch.Load() != epoch {
			return false
		}
		if d.tidSnStatus.CompareAndSwap(snap, withStatus(snap, StatusAborted)) {
			metrics.TransactionsAborted.WithLabelValues("epoch_stale").Inc()
			uninstallAll(d, withStatus(snap, StatusAborted), true)
			return true
		}
	}
}

// validateReads confirms every entry in the read set still reflects the
// cell's current version. A cell that also appears in the write set is
// trusted without reload: this transaction's own pending write already
// owns that cell, so no other writer could have raced it. isHelper adds a
// tid_sn_status recheck between comparisons so a helper bails out the
// moment it notices the owner moved on to a new transaction instance.
func validateReads(d *Descriptor, snap uint64, isHelper bool) bool {
	ok := true
	d.readSet.Each(func(_ int, r readEntry) bool {
		if isHelper && d.tidSnStatus.Load() != snap {
			ok = false
			return false
		}
		if _, shadowed := scanWriteSet(d, r.addr); shadowed {
			return true
		}
		_, counter, _ := r.addr.PlainLoad()
		if counter != r.counter {
			ok = false
			return false
		}
		return true
	})
	return ok
}

// uninstallAll CAS's every write-set entry's cell away from this
// descriptor to its final value, chosen by whether snap's status is
// committed. isHelper rechecks tid_sn_status before each individual
// uninstall so a helper racing the owner's own Reinit (or another helper)
// stops the moment the instance it was completing is no longer current.
func uninstallAll(d *Descriptor, snap uint64, isHelper bool) {
	committed := unpackStatus(snap) == StatusCommitted
	d.writeSet.Each(func(_ int, e writeEntry) bool {
		if isHelper && d.tidSnStatus.Load() != snap {
			return false
		}
		final := e.oldValue
		if committed {
			final = e.newValue
		}
		cur := e.addr.state.Load()
		if cur.tag == tagDesc && cur.desc == d && cur.counter == e.oldCounter+1 {
			next := &cellState{payload: final, counter: e.oldCounter + 2, tag: tagValue}
			e.addr.state.CompareAndSwap(cur, next)
		}
		return true
	})
	if committed {
		metrics.TransactionsCommitted.Inc()
	}
}
