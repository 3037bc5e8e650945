// Package skiplist implements the ordered map (component C8): a
// Fraser-style lock-free skip list in which each insert or removal
// publishes through a single linearizing nbtc_CAS (the level-0 link, or
// the node's mark) and so commits (or rolls back) as a single transaction
// through package recoverable; upper-level links and physical unlinks are
// applied after commit with plain CASes from the cleanup queue. Also an
// MSQueue-style lock-free queue built on the same annotated words
// (Queue, a supplemented feature grounded on the reference design's
// Montage MSQueue).
//
// A second backend, enabled by NewBoosting, adds per-node locking
// (transactional boosting): after the lock-free search it locks the
// predecessors and registers their release with the façade's unlock
// queue. A losing CAS is still retried with a fresh search.
package skiplist

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/cuemby/epochtx/pkg/reclaim"
	"github.com/cuemby/epochtx/pkg/recoverable"
	"github.com/cuemby/epochtx/pkg/txn"
	"github.com/cuemby/epochtx/pkg/types"
)

const maxLevel = 16
const levelProbability = 0.5

type node[K any, V any] struct {
	id       uint64
	key      K
	value    *txn.Word // holds V
	marked   *txn.Word // holds bool
	next     []*txn.Word
	topLevel int
	mu       sync.Mutex // only used when the boosting backend is active
}

// SkipList is an ordered K->V map backed by the transactional runtime.
type SkipList[K any, V any] struct {
	less     func(a, b K) bool
	head     *node[K, V]
	tracker  *reclaim.Tracker
	boosting bool
	nextID   atomic.Uint64
}

// New returns an empty skip list ordered by less, using the lock-free
// backend.
func New[K any, V any](less func(a, b K) bool, tracker *reclaim.Tracker) *SkipList[K, V] {
	return newSkipList[K, V](less, tracker, false)
}

// NewBoosting returns an empty skip list using the transactional-boosting
// backend, appropriate when the runtime is configured with the Blocking
// liveness policy.
func NewBoosting[K any, V any](less func(a, b K) bool, tracker *reclaim.Tracker) *SkipList[K, V] {
	return newSkipList[K, V](less, tracker, true)
}

func newSkipList[K any, V any](less func(a, b K) bool, tracker *reclaim.Tracker, boosting bool) *SkipList[K, V] {
	head := &node[K, V]{
		value:    txn.NewWord(*new(V)),
		marked:   txn.NewWord(false),
		next:     make([]*txn.Word, maxLevel+1),
		topLevel: maxLevel,
	}
	for i := range head.next {
		head.next[i] = txn.NewWord((*node[K, V])(nil))
	}
	return &SkipList[K, V]{less: less, head: head, tracker: tracker, boosting: boosting}
}

func randomLevel() int {
	level := 0
	for level < maxLevel && rand.Float64() < levelProbability {
		level++
	}
	return level
}

// search walks every level from the top down, returning the predecessor
// and successor at each level and the node holding key itself, if present
// and unmarked.
func (s *SkipList[K, V]) search(tc *recoverable.ThreadContext, key K) (preds, succs [maxLevel + 1]*node[K, V], found *node[K, V]) {
	pred := s.head
	for level := maxLevel; level >= 0; level-- {
		curAny, _ := pred.next[level].NBTCLoad(tc.Handle())
		cur, _ := curAny.(*node[K, V])
		for cur != nil && s.less(cur.key, key) {
			pred = cur
			curAny, _ = pred.next[level].NBTCLoad(tc.Handle())
			cur, _ = curAny.(*node[K, V])
		}
		preds[level] = pred
		succs[level] = cur
		if found == nil && cur != nil && !s.less(key, cur.key) && !s.less(cur.key, key) {
			markedAny, _ := cur.marked.NBTCLoad(tc.Handle())
			if marked, _ := markedAny.(bool); !marked {
				found = cur
			}
		}
	}
	return preds, succs, found
}

// Get returns the value stored under key, if any and not logically
// deleted.
func (s *SkipList[K, V]) Get(tc *recoverable.ThreadContext, key K) types.Option[V] {
	_, _, found := s.search(tc, key)
	if found == nil {
		return types.None[V]()
	}
	valAny, _ := found.value.NBTCLoad(tc.Handle())
	return types.Some(valAny.(V))
}

// Insert adds key->value if key is not already present, reporting whether
// it did so. If tc is not already inside a transaction, Insert opens and
// closes one of its own.
func (s *SkipList[K, V]) Insert(tc *recoverable.ThreadContext, key K, value V) bool {
	owns := !tc.InTx()
	for {
		if owns {
			tc.TxBegin()
		}
		preds, succs, found := s.search(tc, key)
		if found != nil {
			if owns {
				_ = tc.TxAbort()
			}
			return false
		}

		level := randomLevel()
		n := &node[K, V]{
			id:       s.nextID.Add(1),
			key:      key,
			value:    txn.NewWord(value),
			marked:   txn.NewWord(false),
			next:     make([]*txn.Word, level+1),
			topLevel: level,
		}
		for i := 0; i <= level; i++ {
			n.next[i] = txn.NewWord(succs[i])
		}

		var locked []*node[K, V]
		if s.boosting {
			locked = s.lockPredecessors(tc, preds[:level+1])
		}
		_ = locked

		r := preds[0].next[0].NBTCCAS(tc.Handle(), succs[0], n, true, true)
		if r == 0 {
			if owns {
				_ = tc.TxAbort()
			}
			continue
		}

		// Levels above 0 are lazily linked: they only speed up future
		// searches, so they're swung forward after commit through the
		// cleanup queue with a plain CAS instead of the rolling
		// tc.rolling-gated path, which has already closed at level 0.
		for i := 1; i <= level; i++ {
			lvl, pred, succ := i, preds[i], succs[i]
			tc.OnCleanup(func() {
				pred.next[lvl].PlainCAS(succ, n)
			})
		}

		if owns {
			committed, _ := tc.TxEnd()
			if !committed {
				continue
			}
		}
		return true
	}
}

// Remove deletes key, returning its value if it was present.
func (s *SkipList[K, V]) Remove(tc *recoverable.ThreadContext, key K) types.Option[V] {
	owns := !tc.InTx()
	for {
		if owns {
			tc.TxBegin()
		}
		preds, _, found := s.search(tc, key)
		if found == nil {
			if owns {
				_ = tc.TxAbort()
			}
			return types.None[V]()
		}

		if s.boosting {
			s.lockPredecessors(tc, preds[:found.topLevel+1])
		}

		r := found.marked.NBTCCAS(tc.Handle(), false, true, true, true)
		if r == 0 {
			if owns {
				_ = tc.TxAbort()
			}
			continue
		}

		valAny, _ := found.value.NBTCLoad(tc.Handle())

		// Physical unlink happens after commit: the marked CAS above is the
		// sole commit point, so these pointer swings go through the
		// cleanup queue with a plain CAS rather than the transactional
		// path, which has already closed its rolling sequence.
		for i := found.topLevel; i >= 0; i-- {
			lvl := i
			succAny, _ := found.next[lvl].NBTCLoad(tc.Handle())
			pred := preds[lvl]
			tc.OnCleanup(func() {
				pred.next[lvl].PlainCAS(found, succAny)
			})
		}

		// The active epoch is cleared once the transaction ends, so capture
		// it now: the node must not be freed before readers who started in
		// this epoch have drained, not before epoch 0.
		retireEpoch, _ := tc.Handle().ActiveEpoch()

		if owns {
			committed, _ := tc.TxEnd()
			if !committed {
				continue
			}
		}

		if s.tracker != nil {
			id := found.id
			s.tracker.Retire(retireEpoch, id, func() {})
		}
		return types.Some(valAny.(V))
	}
}

// Replace swaps the value stored under key, returning the previous value
// if key was present.
func (s *SkipList[K, V]) Replace(tc *recoverable.ThreadContext, key K, value V) types.Option[V] {
	owns := !tc.InTx()
	for {
		if owns {
			tc.TxBegin()
		}
		_, _, found := s.search(tc, key)
		if found == nil {
			if owns {
				_ = tc.TxAbort()
			}
			return types.None[V]()
		}
		oldAny, _ := found.value.NBTCLoad(tc.Handle())
		r := found.value.NBTCCAS(tc.Handle(), oldAny, value, true, true)
		if r == 0 {
			if owns {
				_ = tc.TxAbort()
			}
			continue
		}
		if owns {
			committed, _ := tc.TxEnd()
			if !committed {
				continue
			}
		}
		return types.Some(oldAny.(V))
	}
}

// lockPredecessors acquires each distinct predecessor's lock and registers
// its release with the façade's LIFO unlock queue, so locks always drop in
// reverse acquisition order at tx_end regardless of commit or abort.
func (s *SkipList[K, V]) lockPredecessors(tc *recoverable.ThreadContext, preds []*node[K, V]) []*node[K, V] {
	seen := make(map[*node[K, V]]bool, len(preds))
	locked := make([]*node[K, V], 0, len(preds))
	for _, p := range preds {
		if seen[p] {
			continue
		}
		seen[p] = true
		p.mu.Lock()
		locked = append(locked, p)
		tc.OnUnlock(p.mu.Unlock)
	}
	return locked
}
