// Package integration exercises the transactional runtime end to end:
// raw annotated words, the recoverable façade, the skip list built on
// top, and the epoch advancer driving reclamation - all wired together
// the way cmd/epochtx does, rather than unit-tested package by package.
package integration

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/epochtx/pkg/advancer"
	"github.com/cuemby/epochtx/pkg/epoch"
	"github.com/cuemby/epochtx/pkg/reclaim"
	"github.com/cuemby/epochtx/pkg/recoverable"
	"github.com/cuemby/epochtx/pkg/skiplist"
	"github.com/cuemby/epochtx/pkg/txn"
	"github.com/cuemby/epochtx/pkg/types"
)

func newRuntime() (*epoch.Coordinator, *reclaim.Tracker) {
	return epoch.New(epoch.NonBlocking), reclaim.New()
}

func TestSingleThreadInsertAndGet(t *testing.T) {
	coordinator, tracker := newRuntime()
	list := skiplist.New[int, string](func(a, b int) bool { return a < b }, tracker)
	tc := recoverable.NewThreadContext(1, coordinator, tracker)

	assert.True(t, list.Insert(tc, 42, "answer"))
	got := list.Get(tc, 42)
	value, ok := got.Get()
	require.True(t, ok)
	assert.Equal(t, "answer", value)

	absent := list.Get(tc, 7)
	_, ok = absent.Get()
	assert.False(t, ok)
}

// TestConflictingCASOnlyOneWinnerCommits has two goroutines repeatedly
// retry a single-word transaction against the same starting value, the
// way a real caller would on a 0 (failed) result: exactly one cell write
// wins the underlying compare-and-swap, and the loser keeps seeing its
// expected value change until it gives up and observes the winner's
// value instead.
func TestConflictingCASOnlyOneWinnerCommits(t *testing.T) {
	coordinator, tracker := newRuntime()
	w := txn.NewWord(0)

	attempt := func(tid uint32, desired int) (committed bool, final int) {
		tc := recoverable.NewThreadContext(tid, coordinator, tracker)
		for i := 0; i < 100; i++ {
			tc.TxBegin()
			current, _ := w.NBTCLoad(tc.Handle())
			if current != 0 {
				tc.TxAbort()
				return false, current.(int)
			}
			if w.NBTCCAS(tc.Handle(), 0, desired, true, true) == 0 {
				tc.TxAbort()
				continue
			}
			ok, _ := tc.TxEnd()
			if ok {
				return true, desired
			}
		}
		return false, w.Load(tc.Handle()).(int)
	}

	var wg sync.WaitGroup
	results := make([]int, 2)
	wg.Add(2)
	go func() { defer wg.Done(); _, results[0] = attempt(1, 1) }()
	go func() { defer wg.Done(); _, results[1] = attempt(2, 2) }()
	wg.Wait()

	final := w.Load(recoverable.NewThreadContext(3, coordinator, tracker).Handle())
	assert.Contains(t, []int{1, 2}, final)
	assert.Equal(t, final, results[0])
	assert.Equal(t, final, results[1])
}

func TestTransactionCommitSpansMultipleWords(t *testing.T) {
	coordinator, tracker := newRuntime()
	tc := recoverable.NewThreadContext(1, coordinator, tracker)

	w1 := txn.NewWord(10)
	w2 := txn.NewWord(20)

	tc.TxBegin()
	w1.NBTCCAS(tc.Handle(), 10, 11, true, false)
	w2.NBTCCAS(tc.Handle(), 20, 21, false, true)
	committed, err := tc.TxEnd()

	require.True(t, committed)
	require.NoError(t, err)
	assert.Equal(t, 11, w1.Load(tc.Handle()))
	assert.Equal(t, 21, w2.Load(tc.Handle()))
}

func TestTransactionAbortRollsBackAllWrites(t *testing.T) {
	coordinator, tracker := newRuntime()
	tc := recoverable.NewThreadContext(1, coordinator, tracker)

	w1 := txn.NewWord(10)
	w2 := txn.NewWord(20)

	tc.TxBegin()
	w1.NBTCCAS(tc.Handle(), 10, 11, true, false)
	w2.NBTCCAS(tc.Handle(), 20, 21, false, true)
	err := tc.TxAbort()

	var abort *types.Abort
	require.Error(t, err)
	require.True(t, errors.As(err, &abort))
	assert.Equal(t, types.BeforeCommit, abort.Kind)

	assert.Equal(t, 10, w1.Load(tc.Handle()))
	assert.Equal(t, 20, w2.Load(tc.Handle()))
}

func TestHelperCompletesStalledOwnerTransaction(t *testing.T) {
	coordinator, tracker := newRuntime()
	owner := recoverable.NewThreadContext(1, coordinator, tracker)
	helper := recoverable.NewThreadContext(2, coordinator, tracker)

	w := txn.NewWord(5)
	owner.TxBegin()
	result := w.NBTCCAS(owner.Handle(), 5, 6, true, true)
	require.Equal(t, 2, result, "owner should have installed its descriptor")

	// The owner never calls TxEnd - a concurrent reader must help finish
	// the commit to make progress, the way a real stalled goroutine would
	// force a helper to act.
	got := w.Load(helper.Handle())
	assert.Equal(t, 6, got)
	assert.Equal(t, txn.StatusCommitted, owner.Handle().Descriptor().Status())
}

func TestReadSetInvalidationAbortsConcurrentReader(t *testing.T) {
	coordinator, tracker := newRuntime()
	reader := recoverable.NewThreadContext(1, coordinator, tracker)
	writer := recoverable.NewThreadContext(2, coordinator, tracker)

	w1 := txn.NewWord(1)
	w2 := txn.NewWord(2)

	reader.TxBegin()
	v, _ := w1.NBTCLoad(reader.Handle())
	require.Equal(t, 1, v)

	writer.TxBegin()
	w1.NBTCCAS(writer.Handle(), 1, 99, true, true)
	committed, err := writer.TxEnd()
	require.True(t, committed)
	require.NoError(t, err)

	// reader's read set is now stale; any further write it makes still
	// aborts at tx_end because its read set no longer validates.
	w2.NBTCCAS(reader.Handle(), 2, 3, true, true)
	committed, err = reader.TxEnd()
	assert.False(t, committed)
	require.Error(t, err)

	var abort *types.Abort
	require.True(t, errors.As(err, &abort))
	assert.Equal(t, types.DuringCommit, abort.Kind)
	assert.Equal(t, 2, w2.Load(reader.Handle()))
}

func TestAdvancerReclaimsSkipListRemovals(t *testing.T) {
	coordinator, tracker := newRuntime()
	list := skiplist.New[int, int](func(a, b int) bool { return a < b }, tracker)
	tc := recoverable.NewThreadContext(1, coordinator, tracker)

	for i := 0; i < 20; i++ {
		list.Insert(tc, i, i*i)
	}
	for i := 0; i < 20; i++ {
		list.Remove(tc, i)
	}
	require.Equal(t, 20, tracker.Pending())

	adv := advancer.New(coordinator, tracker, nil, time.Millisecond)
	adv.Tick()
	adv.Tick()
	adv.Tick()
	adv.Tick()

	assert.Less(t, tracker.Pending(), 20)
}

func TestConcurrentSkipListInsertsUnderLiveAdvancer(t *testing.T) {
	coordinator, tracker := newRuntime()
	list := skiplist.New[int, int](func(a, b int) bool { return a < b }, tracker)

	adv := advancer.New(coordinator, tracker, nil, time.Millisecond)
	adv.Start()
	defer adv.Stop()

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(tid uint32) {
			defer wg.Done()
			tc := recoverable.NewThreadContext(tid, coordinator, tracker)
			for i := 0; i < 50; i++ {
				list.Insert(tc, int(tid)*1000+i, i)
			}
		}(uint32(w + 1))
	}
	wg.Wait()

	verifier := recoverable.NewThreadContext(100, coordinator, tracker)
	for w := 0; w < 10; w++ {
		for i := 0; i < 50; i++ {
			got := list.Get(verifier, w*1000+i)
			_, ok := got.Get()
			assert.True(t, ok)
		}
	}
}
