// Package slab implements the bounded, append-mostly read/write-set
// storage a transaction descriptor uses to record its observed reads and
// pending writes (component C1 of the transactional runtime).
//
// A Slab is single-writer (the descriptor's owner thread), multi-reader
// (any helper thread walking another thread's descriptor while completing
// it on its behalf). The owner appends entries and only ever advances the
// watermark after an entry is fully constructed, so a helper observing
// watermark N always sees N fully-formed entries - never a torn write.
package slab

import "sync/atomic"

const blockSize = 64

type block[E any] struct {
	entries [blockSize]E
	inUse   atomic.Int32 // watermark: number of published slots in this block
	next    atomic.Pointer[block[E]]
}

// Slab is a fixed-block-size, append-mostly, owner-writable,
// helper-readable sequence of entries of type E, indexed by insertion
// order. Capacity grows by chaining new blocks; existing blocks are never
// moved, and published entries change only through the owner-only Set and
// Truncate.
type Slab[E any] struct {
	head atomic.Pointer[block[E]]
	tail atomic.Pointer[block[E]] // owner-only fast path to the block being filled
	len  atomic.Int64
}

// New returns an empty slab ready for use.
func New[E any]() *Slab[E] {
	s := &Slab[E]{}
	b := &block[E]{}
	s.head.Store(b)
	s.tail.Store(b)
	return s
}

// Append publishes a new entry. Owner-only: concurrent Append calls from
// multiple goroutines are not supported, matching the single-producer
// invariant of the read/write set.
func (s *Slab[E]) Append(e E) {
	b := s.tail.Load()
	for {
		idx := b.inUse.Load()
		if int(idx) < blockSize {
			b.entries[idx] = e
			b.inUse.Store(idx + 1) // publish only after the entry is fully written
			s.len.Add(1)
			return
		}
		next := b.next.Load()
		if next == nil {
			next = &block[E]{}
			b.next.Store(next)
			s.tail.Store(next)
		}
		b = next
	}
}

// Len returns the number of published entries. Safe to call concurrently
// with Append and Each.
func (s *Slab[E]) Len() int {
	return int(s.len.Load())
}

// At returns the i'th published entry and true, or the zero value and
// false if i is out of range. Safe for helpers to call concurrently with
// the owner's Append, since it only ever reads slots below a block's
// current watermark.
func (s *Slab[E]) At(i int) (E, bool) {
	var zero E
	if i < 0 {
		return zero, false
	}
	b := s.head.Load()
	for b != nil {
		inUse := int(b.inUse.Load())
		if i < inUse {
			return b.entries[i], true
		}
		if i < blockSize {
			return zero, false
		}
		i -= blockSize
		b = b.next.Load()
	}
	return zero, false
}

// Each calls fn for every published entry in insertion order. fn may be
// called by a helper thread concurrently with the owner still appending;
// it will only ever observe the prefix that was published at the moment
// each block's watermark was read.
func (s *Slab[E]) Each(fn func(i int, e E) bool) {
	b := s.head.Load()
	i := 0
	for b != nil {
		inUse := int(b.inUse.Load())
		for j := 0; j < inUse; j++ {
			if !fn(i, b.entries[j]) {
				return
			}
			i++
		}
		b = b.next.Load()
	}
}

// Set overwrites the i'th published entry in place. Owner-only: used to
// update a write-set entry's pending value without disturbing its
// position or the watermark helpers rely on.
func (s *Slab[E]) Set(i int, e E) {
	if i < 0 {
		return
	}
	b := s.head.Load()
	for b != nil {
		inUse := int(b.inUse.Load())
		if i < inUse {
			b.entries[i] = e
			return
		}
		if i < blockSize {
			return
		}
		i -= blockSize
		b = b.next.Load()
	}
}

// Truncate lowers the slab's length back to n, discarding any entries
// appended after it. Owner-only, and only safe for the trailing entries
// of the block currently being filled (the only case the engine uses it
// for: unwinding a speculative append after a losing CAS).
func (s *Slab[E]) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	b := s.tail.Load()
	local := n
	for prev := s.head.Load(); prev != b; prev = prev.next.Load() {
		local -= blockSize
	}
	if local < 0 {
		local = 0
	}
	if local < int(b.inUse.Load()) {
		var zero E
		for j := local; j < int(b.inUse.Load()); j++ {
			b.entries[j] = zero
		}
		b.inUse.Store(int32(local))
	}
	s.len.Store(int64(n))
}

// Reset lowers the slab back to empty for reuse by the next transaction
// instance on the same descriptor. Owner-only; must not be called while
// any helper may still be walking the slab (i.e. only after the owning
// descriptor has reached a terminal status and every in-flight helper has
// rechecked tid_sn_status and walked away).
func (s *Slab[E]) Reset() {
	b := &block[E]{}
	s.head.Store(b)
	s.tail.Store(b)
	s.len.Store(0)
}
