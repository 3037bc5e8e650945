package reclaim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeBeforeReleasesOnlyOlderEpochs(t *testing.T) {
	tr := New()
	var freed []uint64
	tr.Retire(1, 100, func() { freed = append(freed, 100) })
	tr.Retire(5, 200, func() { freed = append(freed, 200) })

	n := tr.FreeBefore(3)
	require.Equal(t, 1, n)
	assert.Equal(t, []uint64{100}, freed)
	assert.Equal(t, 1, tr.Pending())
}

func TestDoubleRetirePanics(t *testing.T) {
	tr := New()
	tr.Retire(1, 42, func() {})
	assert.Panics(t, func() {
		tr.Retire(2, 42, func() {})
	})
}

func TestDoubleFreeCannotHappenThroughNormalUse(t *testing.T) {
	tr := New()
	tr.Retire(1, 42, func() {})
	require.Equal(t, 1, tr.FreeBefore(2))
	// Second call with the same threshold finds nothing left to free.
	assert.Equal(t, 0, tr.FreeBefore(2))
}
