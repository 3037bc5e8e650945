package recoverable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/epochtx/pkg/epoch"
	"github.com/cuemby/epochtx/pkg/reclaim"
	"github.com/cuemby/epochtx/pkg/txn"
)

func newCtx(tid uint32) (*ThreadContext, *epoch.Coordinator) {
	coord := epoch.New(epoch.Blocking)
	tracker := reclaim.New()
	return NewThreadContext(tid, coord, tracker), coord
}

func TestTxEndCommitsAndReleasesEpoch(t *testing.T) {
	c, coord := newCtx(1)
	w := txn.NewWord(1)

	c.TxBegin()
	w.NBTCCAS(c.Handle(), 1, 2, true, true)
	committed, err := c.TxEnd()
	require.NoError(t, err)
	assert.True(t, committed)
	assert.True(t, coord.Drained(0))
	assert.Equal(t, 2, w.Load(c.Handle()))
}

func TestTxAbortRunsUndosAndUnlocksInReverseOrder(t *testing.T) {
	c, _ := newCtx(1)
	c.TxBegin()

	var order []string
	c.OnUndo(func() { order = append(order, "undo1") })
	c.OnUndo(func() { order = append(order, "undo2") })
	c.OnUnlock(func() { order = append(order, "unlock1") })
	c.OnUnlock(func() { order = append(order, "unlock2") })
	c.OnCleanup(func() { order = append(order, "cleanup") })

	err := c.TxAbort()
	assert.Error(t, err)
	assert.Equal(t, []string{"unlock2", "unlock1", "undo2", "undo1"}, order)
}

func TestCleanupsRunOnCommitButUndosDoNot(t *testing.T) {
	c, _ := newCtx(1)
	c.TxBegin()

	var order []string
	c.OnUndo(func() { order = append(order, "undo") })
	c.OnCleanup(func() { order = append(order, "cleanup") })

	committed, err := c.TxEnd()
	require.NoError(t, err)
	require.True(t, committed)
	assert.Equal(t, []string{"cleanup"}, order)
}

func TestAllocBookkeeping(t *testing.T) {
	c, _ := newCtx(1)
	c.TxBegin()
	c.Alloc(10)
	c.Alloc(11)
	assert.Equal(t, []uint64{10, 11}, c.Allocs())
}
