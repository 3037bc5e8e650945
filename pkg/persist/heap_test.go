package persist

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/epochtx/pkg/types"
)

func openTestHeap(t *testing.T, strategy Strategy, bufferSize int) *Heap {
	t.Helper()
	path := filepath.Join(t.TempDir(), "heap.db")
	h, err := Open(path, strategy, bufferSize)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestDirectWritePersistsImmediately(t *testing.T) {
	h := openTestHeap(t, DirectWrite, 1)
	require.NoError(t, h.PersistBlock(types.Block{Epoch: 1, Kind: types.BlockAlloc, ID: 1, Data: []byte("a")}))

	state, err := h.Recover()
	require.NoError(t, err)
	blk, ok := state.Live[1]
	require.True(t, ok)
	assert.Equal(t, []byte("a"), blk.Data)
}

func TestBufferedWriteFlushesAtThreshold(t *testing.T) {
	h := openTestHeap(t, BufferedWrite, 2)
	require.NoError(t, h.PersistBlock(types.Block{Epoch: 1, Kind: types.BlockAlloc, ID: 1}))

	state, err := h.Recover()
	require.NoError(t, err)
	assert.Empty(t, state.Live, "block should still be buffered, not yet flushed")

	require.NoError(t, h.PersistBlock(types.Block{Epoch: 1, Kind: types.BlockAlloc, ID: 2}))

	state, err = h.Recover()
	require.NoError(t, err)
	assert.Len(t, state.Live, 2)
}

func TestRecoverySkipsAntiNodedIDs(t *testing.T) {
	h := openTestHeap(t, DirectWrite, 1)
	require.NoError(t, h.PersistBlock(types.Block{Epoch: 1, Kind: types.BlockAlloc, ID: 1}))
	require.NoError(t, h.PersistBlock(types.Block{Epoch: 2, Kind: types.BlockDelete, AntiNode: 1}))

	state, err := h.Recover()
	require.NoError(t, err)
	assert.NotContains(t, state.Live, uint64(1))
	assert.Equal(t, uint64(2), state.MaxEpoch)
}

func TestRecoveryKeepsHighestEpochVersion(t *testing.T) {
	h := openTestHeap(t, DirectWrite, 1)
	require.NoError(t, h.PersistBlock(types.Block{Epoch: 1, Kind: types.BlockAlloc, ID: 1, Data: []byte("old")}))
	require.NoError(t, h.PersistBlock(types.Block{Epoch: 2, Kind: types.BlockUpdate, ID: 1, Data: []byte("new")}))

	state, err := h.Recover()
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), state.Live[1].Data)
}
