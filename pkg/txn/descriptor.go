package txn

import (
	"sync/atomic"

	"github.com/cuemby/epochtx/pkg/metrics"
	"github.com/cuemby/epochtx/pkg/slab"
)

// Status is a transaction descriptor's lifecycle state (C3).
type Status uint8

const (
	StatusInPrep Status = iota
	StatusInProgress
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusInPrep:
		return "in-prep"
	case StatusInProgress:
		return "in-progress"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// tid_sn_status packing: 14 high bits tid, next 48 bits sequence number,
// low 2 bits status. The reference design packs these into the same word
// so a single CAS can move status without racing the sequence number;
// Go's atomic.Uint64 gives us that for free without any extra bit games
// beyond the packing itself.
const (
	snBits   = 48
	snMask   = uint64(1)<<snBits - 1
	tidShift = snBits + 2
)

func pack(tid uint32, sn uint64, status Status) uint64 {
	return uint64(tid&0x3FFF)<<tidShift | (sn&snMask)<<2 | uint64(status&0x3)
}

func unpackTid(w uint64) uint32    { return uint32(w >> tidShift) }
func unpackSn(w uint64) uint64     { return (w >> 2) & snMask }
func unpackStatus(w uint64) Status { return Status(w & 0x3) }

func withStatus(w uint64, status Status) uint64 {
	return pack(unpackTid(w), unpackSn(w), status)
}

// readEntry is one pending read recorded against a descriptor's read set.
type readEntry struct {
	addr    *Word
	counter uint64
}

// writeEntry is one pending write recorded against a descriptor's write
// set: the cell it targets, the counter and value observed before
// install, and the value to publish on commit.
type writeEntry struct {
	addr       *Word
	oldCounter uint64
	oldValue   any
	newValue   any
}

// Descriptor is a transaction descriptor (C3): the packed tid/sn/status
// word plus the read set and write set it accumulates while the
// transaction is in flight. Descriptors are allocated once per thread and
// reused for every transaction that thread runs; Reinit advances the
// sequence number in place rather than allocating a new descriptor, so a
// pointer to a descriptor observed in a cell remains valid for the life
// of the owning thread.
type Descriptor struct {
	tidSnStatus atomic.Uint64
	epoch       atomic.Uint64

	readSet  *slab.Slab[readEntry]
	writeSet *slab.Slab[writeEntry]

	// writeIndex accelerates the owner's own shadow-read/overwrite lookups.
	// It is mutated only by the owning thread and must never be read by a
	// helper; helpers scan writeSet directly via scanWriteSet instead,
	// since writeSet (built on the C1 slab) tolerates concurrent readers
	// while the owner is still appending to it, and a bare Go map does not.
	writeIndex map[*Word]int
}

// NewDescriptor allocates a descriptor for the given thread slot, starting
// at sequence 0 in the in-prep state.
func NewDescriptor(tid uint32) *Descriptor {
	d := &Descriptor{
		readSet:    slab.New[readEntry](),
		writeSet:   slab.New[writeEntry](),
		writeIndex: make(map[*Word]int),
	}
	d.tidSnStatus.Store(pack(tid, 0, StatusInPrep))
	return d
}

func (d *Descriptor) Tid() uint32          { return unpackTid(d.tidSnStatus.Load()) }
func (d *Descriptor) Sn() uint64           { return unpackSn(d.tidSnStatus.Load()) }
func (d *Descriptor) Status() Status       { return unpackStatus(d.tidSnStatus.Load()) }
func (d *Descriptor) TidSnStatus() uint64  { return d.tidSnStatus.Load() }
func (d *Descriptor) Epoch() uint64        { return d.epoch.Load() }
func (d *Descriptor) IsTerminal() bool {
	st := d.Status()
	return st == StatusCommitted || st == StatusAborted
}

// Reinit resets the descriptor for a new transaction instance: bumps the
// sequence number, clears the read/write sets, and returns to in-prep.
// Owner-only, and only safe once every helper that might still be walking
// the previous instance has rechecked tid_sn_status and walked away (the
// sequence bump is exactly the signal that makes that recheck fail).
func (d *Descriptor) Reinit() {
	cur := d.tidSnStatus.Load()
	d.readSet.Reset()
	d.writeSet.Reset()
	for k := range d.writeIndex {
		delete(d.writeIndex, k)
	}
	d.tidSnStatus.Store(pack(unpackTid(cur), unpackSn(cur)+1, StatusInPrep))
}

// SetInProgress transitions in-prep -> in-progress and records the epoch
// the transaction joined. Returns false if the descriptor was not in-prep.
func (d *Descriptor) SetInProgress(epoch uint64) bool {
	cur := d.tidSnStatus.Load()
	if unpackStatus(cur) != StatusInPrep {
		return false
	}
	next := withStatus(cur, StatusInProgress)
	if d.tidSnStatus.CompareAndSwap(cur, next) {
		d.epoch.Store(epoch)
		return true
	}
	return false
}

// resetToInPrep steps an in-progress descriptor back to in-prep, the
// transition the commit-phase epoch-retry path needs so the owner can
// re-register under the new epoch and re-enter SetInProgress.
// OwnerTryComplete makes that transition with its own CAS on the snapshot
// it validated and does not call this method.
func (d *Descriptor) resetToInPrep() bool {
	cur := d.tidSnStatus.Load()
	if unpackStatus(cur) != StatusInProgress {
		return false
	}
	return d.tidSnStatus.CompareAndSwap(cur, withStatus(cur, StatusInPrep))
}

// Abort moves the descriptor to aborted from any non-terminal state.
// Idempotent: calling it again once the descriptor is already terminal is
// a harmless no-op that reports false.
func (d *Descriptor) Abort() bool {
	for {
		cur := d.tidSnStatus.Load()
		st := unpackStatus(cur)
		if st == StatusCommitted || st == StatusAborted {
			return false
		}
		if d.tidSnStatus.CompareAndSwap(cur, withStatus(cur, StatusAborted)) {
			metrics.TransactionsAborted.WithLabelValues("before_commit").Inc()
			return true
		}
	}
}

// scanWriteSet looks up addr in the write set by linear scan, safe to call
// from a helper thread concurrently with the owner still appending.
func scanWriteSet(d *Descriptor, addr *Word) (writeEntry, bool) {
	var found writeEntry
	ok := false
	d.writeSet.Each(func(_ int, e writeEntry) bool {
		if e.addr == addr {
			found, ok = e, true
			return false
		}
		return true
	})
	return found, ok
}
