package skiplist

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/epochtx/pkg/epoch"
	"github.com/cuemby/epochtx/pkg/reclaim"
	"github.com/cuemby/epochtx/pkg/recoverable"
)

func less(a, b int) bool { return a < b }

func newTC(tid uint32, coord *epoch.Coordinator, tracker *reclaim.Tracker) *recoverable.ThreadContext {
	return recoverable.NewThreadContext(tid, coord, tracker)
}

func TestInsertGetRemove(t *testing.T) {
	coord := epoch.New(epoch.Blocking)
	tracker := reclaim.New()
	sl := New[int, string](less, tracker)
	tc := newTC(1, coord, tracker)

	require.True(t, sl.Insert(tc, 5, "five"))
	require.False(t, sl.Insert(tc, 5, "still-five"))

	got := sl.Get(tc, 5)
	val, ok := got.Get()
	require.True(t, ok)
	assert.Equal(t, "five", val)

	removed := sl.Remove(tc, 5)
	val, ok = removed.Get()
	require.True(t, ok)
	assert.Equal(t, "five", val)

	assert.False(t, sl.Get(tc, 5).Ok)
}

func TestReplaceReturnsPreviousValue(t *testing.T) {
	coord := epoch.New(epoch.Blocking)
	tracker := reclaim.New()
	sl := New[int, string](less, tracker)
	tc := newTC(1, coord, tracker)

	sl.Insert(tc, 1, "a")
	prev := sl.Replace(tc, 1, "b")
	val, ok := prev.Get()
	require.True(t, ok)
	assert.Equal(t, "a", val)

	got := sl.Get(tc, 1)
	val, _ = got.Get()
	assert.Equal(t, "b", val)
}

func TestReplaceAbsentKeyReturnsNone(t *testing.T) {
	coord := epoch.New(epoch.Blocking)
	tracker := reclaim.New()
	sl := New[int, string](less, tracker)
	tc := newTC(1, coord, tracker)

	assert.False(t, sl.Replace(tc, 99, "x").Ok)
}

func TestConcurrentInsertsAllVisible(t *testing.T) {
	coord := epoch.New(epoch.Blocking)
	tracker := reclaim.New()
	sl := New[int, int](less, tracker)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tc := newTC(uint32(i+1), coord, tracker)
			sl.Insert(tc, i, i*10)
		}(i)
	}
	wg.Wait()

	tc := newTC(1000, coord, tracker)
	for i := 0; i < n; i++ {
		v := sl.Get(tc, i)
		val, ok := v.Get()
		require.True(t, ok, "key %d missing", i)
		assert.Equal(t, i*10, val)
	}
}

func TestBoostingBackendInsertAndRemove(t *testing.T) {
	coord := epoch.New(epoch.Blocking)
	tracker := reclaim.New()
	sl := NewBoosting[int, string](less, tracker)
	tc := newTC(1, coord, tracker)

	require.True(t, sl.Insert(tc, 1, "one"))
	v := sl.Remove(tc, 1)
	val, ok := v.Get()
	require.True(t, ok)
	assert.Equal(t, "one", val)
}

func TestInsertComposesWithCallerManagedTransaction(t *testing.T) {
	coord := epoch.New(epoch.Blocking)
	tracker := reclaim.New()
	sl := New[int, string](less, tracker)
	tc := newTC(1, coord, tracker)

	tc.TxBegin()
	require.True(t, sl.Insert(tc, 1, "a"))
	require.True(t, sl.Insert(tc, 2, "b"))
	committed, err := tc.TxEnd()
	require.NoError(t, err)
	require.True(t, committed)

	assert.True(t, sl.Get(tc, 1).Ok)
	assert.True(t, sl.Get(tc, 2).Ok)
}
