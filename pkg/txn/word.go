// Package txn implements the multi-word compare-and-swap descriptor engine:
// the annotated word (C2), the transaction descriptor (C3), and the
// descriptor engine operations that install, help-complete, commit, abort
// and uninstall descriptors across multiple annotated words (C4).
//
// Go has no native double-wide CAS. Per the port's design notes, a cell is
// realized as a single atomic.Pointer to an immutable cellState{value,
// counter, tag}; swapping that pointer atomically swaps (value, counter)
// together, which is exactly what the reference design needs from a 128-bit
// CAS. The cyclic cell<->descriptor relationship is broken the same way:
// a cell never owns its descriptor, it only tags a plain pointer, and
// descriptors live for the lifetime of their owning thread (reinit reuses
// the same Descriptor object, it never allocates a new one), so a stale
// pointer dereference is always bounded.
package txn

import (
	"reflect"
	"sync/atomic"

	"github.com/cuemby/epochtx/pkg/metrics"
)

type tag2 uint8

const (
	tagValue tag2 = iota // 00: value is a plain payload
	tagDesc              // 01: value is a descriptor pointer
)

// cellState is the immutable payload behind a Word's atomic pointer. A
// cell is logically the pair (value, counter) of spec.md section 3;
// whichever of payload/desc is live is selected by tag.
type cellState struct {
	payload any
	desc    *Descriptor
	counter uint64
	tag     tag2
}

// Word is an annotated word (C2): a cell pairing a value with a
// monotonic counter, manipulated only by pointer CAS on an immutable
// state struct.
type Word struct {
	state atomic.Pointer[cellState]
}

// NewWord returns a word initialized to a plain payload at counter 0.
func NewWord(initial any) *Word {
	w := &Word{}
	w.state.Store(&cellState{payload: initial, counter: 0, tag: tagValue})
	return w
}

// PlainLoad returns the raw (value, counter) pair with no helping and no
// read-set recording, exposing whichever of payload/descriptor is
// currently installed. Most callers want Load or NBTCLoad instead.
func (w *Word) PlainLoad() (value any, counter uint64, isDescriptor bool) {
	s := w.state.Load()
	if s.tag == tagDesc {
		return s.desc, s.counter, true
	}
	return s.payload, s.counter, false
}

// PlainCAS performs a single, non-transactional compare-and-swap of a
// plain payload with no helping and no descriptor installed. It is meant
// for cleanup work that runs after a transaction has already committed
// and only needs to swing a pointer forward once more (physical unlink,
// lazy upper-level linking); callers that might still race with an
// in-flight descriptor should Load first.
func (w *Word) PlainCAS(expected, desired any) bool {
	s := w.state.Load()
	if s.tag == tagDesc {
		return false
	}
	if !valuesEqual(s.payload, expected) {
		return false
	}
	next := &cellState{payload: desired, counter: s.counter + 1, tag: tagValue}
	return w.state.CompareAndSwap(s, next)
}

// Load returns the most recently committed value of the cell, helping to
// completion any in-flight descriptor it encounters along the way. It
// never returns a descriptor pointer to the caller.
func (w *Word) Load(tc *ThreadHandle) any {
	for {
		s := w.state.Load()
		if s.tag == tagDesc {
			HelperTryComplete(w, s, tc.checker)
			continue
		}
		return s.payload
	}
}

// LoadVerify is Load under invisible-read mode, the default and the only
// mode this runtime implements (the reference design's visible-read mode,
// which bumps the counter on every read, is not required for correctness
// and is treated as a commented-out design alternative, per the spec's
// open questions).
func (w *Word) LoadVerify(tc *ThreadHandle) any {
	return w.Load(tc)
}

// NBTCLoad is the transactional load of spec.md section 4.1. Outside a
// transaction it behaves exactly like Load. Inside one: a read of our own
// in-flight write returns that pending value and reports isSpeculative;
// a read that lands on another thread's descriptor triggers helping and
// retries; any other read is recorded in the pending read set.
func (w *Word) NBTCLoad(tc *ThreadHandle) (value any, isSpeculative bool) {
	if !tc.InTx() {
		return w.Load(tc), false
	}
	d := tc.desc
	for {
		s := w.state.Load()
		if s.tag == tagDesc {
			if s.desc == d {
				if idx, ok := d.writeIndex[w]; ok {
					entry, _ := d.writeSet.At(idx)
					return entry.newValue, true
				}
				// our descriptor is installed on this cell but we have no
				// write-set entry for it: a programmer error in the caller.
				return nil, true
			}
			HelperTryComplete(w, s, tc.checker)
			continue
		}
		d.readSet.Append(readEntry{addr: w, counter: s.counter})
		return s.payload, false
	}
}

// NBTCCAS is the rolling/linearizing compare-and-swap of spec.md section
// 4.1. Returns 0 (failed, caller retries), 1 (committed immediately via
// the non-transactional path) or 2 (speculatively succeeded inside a
// transaction; final publication deferred to tx_end).
func (w *Word) NBTCCAS(tc *ThreadHandle, expected, desired any, pubPoint, linPoint bool) int {
	if !tc.InTx() {
		if !linPoint {
			return 0
		}
		return casVerify(w, tc, expected, desired)
	}

	d := tc.desc
	if pubPoint {
		tc.rolling.Store(true)
	}

	for {
		s := w.state.Load()
		if s.tag == tagDesc {
			if s.desc == d {
				idx, ok := d.writeIndex[w]
				if !ok {
					return 0
				}
				entry, _ := d.writeSet.At(idx)
				if !valuesEqual(entry.oldValue, expected) {
					return 0
				}
				if linPoint {
					tc.rolling.Store(false)
				}
				return 2
			}
			metrics.DescriptorInstallRetries.Inc()
			HelperTryComplete(w, s, tc.checker)
			return 0
		}

		if !valuesEqual(s.payload, expected) {
			return 0
		}

		if !tc.rolling.Load() {
			// Not part of an active rolling/linearizing sequence: install no
			// descriptor, since there would be no write-set entry for
			// uninstallAll to ever resolve it through. Apply the swap
			// directly as a plain value update instead.
			next := &cellState{payload: desired, counter: s.counter + 1, tag: tagValue}
			if w.state.CompareAndSwap(s, next) {
				return 1
			}
			return 0
		}

		addedEntry := false
		if idx, ok := d.writeIndex[w]; ok {
			entry, _ := d.writeSet.At(idx)
			if !valuesEqual(entry.oldValue, expected) {
				d.Abort()
				return 0
			}
		} else if ok, prior := findInReadSet(d, w); ok && prior != s.counter {
			d.Abort()
			return 0
		} else {
			d.writeSet.Append(writeEntry{addr: w, oldCounter: s.counter, oldValue: expected, newValue: desired})
			d.writeIndex[w] = d.writeSet.Len() - 1
			addedEntry = true
		}

		next := &cellState{desc: d, counter: s.counter + 1, tag: tagDesc}
		if !w.state.CompareAndSwap(s, next) {
			if addedEntry {
				d.writeSet.Truncate(d.writeSet.Len() - 1)
				delete(d.writeIndex, w)
			}
			return 0
		}
		if linPoint {
			tc.rolling.Store(false)
		}
		return 2
	}
}

// NBTCStore is the transactional store of spec.md section 4.1.
func (w *Word) NBTCStore(tc *ThreadHandle, desired any) {
	if !tc.InTx() {
		for {
			s := w.state.Load()
			if s.tag == tagDesc {
				HelperTryComplete(w, s, tc.checker)
				continue
			}
			next := &cellState{payload: desired, counter: s.counter + 1, tag: tagValue}
			if w.state.CompareAndSwap(s, next) {
				return
			}
		}
	}

	d := tc.desc
	for {
		s := w.state.Load()
		if s.tag == tagDesc {
			if s.desc == d {
				if idx, ok := d.writeIndex[w]; ok {
					entry, _ := d.writeSet.At(idx)
					entry.newValue = desired
					d.writeSet.Set(idx, entry)
					return
				}
				return
			}
			HelperTryComplete(w, s, tc.checker)
			continue
		}

		d.writeSet.Append(writeEntry{addr: w, oldCounter: s.counter, oldValue: s.payload, newValue: desired})
		idx := d.writeSet.Len() - 1
		d.writeIndex[w] = idx

		next := &cellState{desc: d, counter: s.counter + 1, tag: tagDesc}
		if w.state.CompareAndSwap(s, next) {
			return
		}
		d.writeSet.Truncate(idx)
		delete(d.writeIndex, w)
	}
}

func casVerify(w *Word, tc *ThreadHandle, expected, desired any) int {
	epoch, ok := tc.ActiveEpoch()
	if ok && !tc.checker.CheckEpoch(epoch) {
		return 0
	}
	for {
		s := w.state.Load()
		if s.tag == tagDesc {
			HelperTryComplete(w, s, tc.checker)
			continue
		}
		if !valuesEqual(s.payload, expected) {
			return 0
		}
		next := &cellState{payload: desired, counter: s.counter + 1, tag: tagValue}
		if w.state.CompareAndSwap(s, next) {
			return 1
		}
	}
}

func findInReadSet(d *Descriptor, addr *Word) (bool, uint64) {
	found := false
	var counter uint64
	d.readSet.Each(func(_ int, r readEntry) bool {
		if r.addr == addr {
			found, counter = true, r.counter
			return false
		}
		return true
	})
	return found, counter
}

// valuesEqual compares two annotated-word payloads for the purposes of a
// CAS's expected-value check. Pointer and scalar payloads (the only kinds
// the bundled data structures store) compare with ==; reflect.DeepEqual
// is the documented fallback for payload types that are not comparable.
func valuesEqual(a, b any) bool {
	defer func() { recover() }() //nolint:errcheck // comparable fast path below may still panic on some types
	if isComparable(a) && isComparable(b) {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

func isComparable(v any) bool {
	if v == nil {
		return true
	}
	return reflect.TypeOf(v).Comparable()
}
