package skiplist

import (
	"github.com/cuemby/epochtx/pkg/recoverable"
	"github.com/cuemby/epochtx/pkg/txn"
	"github.com/cuemby/epochtx/pkg/types"
)

type qnode[V any] struct {
	value V
	next  *txn.Word // holds *qnode[V]
}

// Queue is a Montage-style lock-free FIFO queue (a supplemented feature:
// the reference corpus's MSQueue grounded on the same annotated-word CAS
// primitive as the skip list, rather than raw atomics). Each operation is
// a retry loop of single-cell nbtc_CAS calls and needs no surrounding
// transaction. Enqueue and Dequeue count only an immediate commit
// (result 1) as success, so they are not composed into a transaction the
// caller has open.
type Queue[V any] struct {
	head *txn.Word // holds *qnode[V]
	tail *txn.Word // holds *qnode[V]
}

// NewQueue returns an empty queue.
func NewQueue[V any]() *Queue[V] {
	dummy := &qnode[V]{next: txn.NewWord((*qnode[V])(nil))}
	return &Queue[V]{head: txn.NewWord(dummy), tail: txn.NewWord(dummy)}
}

// Enqueue appends value to the tail of the queue.
func (q *Queue[V]) Enqueue(tc *recoverable.ThreadContext, value V) {
	n := &qnode[V]{value: value, next: txn.NewWord((*qnode[V])(nil))}
	for {
		lastAny := q.tail.Load(tc.Handle())
		last := lastAny.(*qnode[V])
		nextAny := last.next.Load(tc.Handle())
		next, _ := nextAny.(*qnode[V])
		if next == nil {
			if last.next.NBTCCAS(tc.Handle(), (*qnode[V])(nil), n, true, true) == 1 {
				q.tail.NBTCCAS(tc.Handle(), last, n, true, true)
				return
			}
		} else {
			q.tail.NBTCCAS(tc.Handle(), last, next, true, true)
		}
	}
}

// Dequeue removes and returns the value at the head of the queue, or None
// if it was empty.
func (q *Queue[V]) Dequeue(tc *recoverable.ThreadContext) types.Option[V] {
	for {
		firstAny := q.head.Load(tc.Handle())
		first := firstAny.(*qnode[V])
		lastAny := q.tail.Load(tc.Handle())
		last := lastAny.(*qnode[V])
		nextAny := first.next.Load(tc.Handle())
		next, _ := nextAny.(*qnode[V])

		if first == last {
			if next == nil {
				return types.None[V]()
			}
			q.tail.NBTCCAS(tc.Handle(), last, next, true, true)
			continue
		}

		value := next.value
		if q.head.NBTCCAS(tc.Handle(), first, next, true, true) == 1 {
			return types.Some(value)
		}
	}
}
