package epoch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAbortable struct {
	aborted bool
}

func (f *fakeAbortable) TryAbortEpoch(uint64) bool {
	f.aborted = true
	return true
}

func TestBeginReturnsCurrentEpoch(t *testing.T) {
	c := New(Blocking)
	e := c.Begin(1, &fakeAbortable{})
	assert.Equal(t, uint64(0), e)
	assert.Equal(t, uint64(0), c.GlobalEpoch())
}

func TestDrainedFalseWhileRegistered(t *testing.T) {
	c := New(Blocking)
	c.Begin(1, &fakeAbortable{})
	assert.False(t, c.Drained(0))
	c.End(1, 0)
	assert.True(t, c.Drained(0))
}

func TestAdvanceBumpsGlobalEpoch(t *testing.T) {
	c := New(Blocking)
	next := c.Advance()
	require.Equal(t, uint64(1), next)
	assert.Equal(t, uint64(1), c.GlobalEpoch())
	assert.True(t, c.CheckEpoch(1))
	assert.False(t, c.CheckEpoch(0))
}

func TestAdvanceForceAbortsStragglers(t *testing.T) {
	c := New(NonBlocking)
	a := &fakeAbortable{}
	c.Begin(1, a)
	c.Advance()
	assert.True(t, a.aborted)
	assert.True(t, c.Drained(0))
}

func TestEndIsNoOpAfterForceAbort(t *testing.T) {
	c := New(NonBlocking)
	a := &fakeAbortable{}
	c.Begin(1, a)
	c.Advance()
	assert.NotPanics(t, func() { c.End(1, 0) })
}
