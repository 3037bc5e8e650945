package slab

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndAt(t *testing.T) {
	s := New[int]()
	for i := 0; i < blockSize*3+5; i++ {
		s.Append(i)
	}
	require.Equal(t, blockSize*3+5, s.Len())
	for i := 0; i < s.Len(); i++ {
		v, ok := s.At(i)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := s.At(s.Len())
	assert.False(t, ok)
}

func TestEachStopsEarly(t *testing.T) {
	s := New[int]()
	for i := 0; i < 10; i++ {
		s.Append(i)
	}
	var seen []int
	s.Each(func(i, e int) bool {
		seen = append(seen, e)
		return e < 4
	})
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
}

func TestResetClearsSlab(t *testing.T) {
	s := New[string]()
	s.Append("a")
	s.Append("b")
	s.Reset()
	assert.Equal(t, 0, s.Len())
	_, ok := s.At(0)
	assert.False(t, ok)
}

// A helper concurrently reading while the owner appends must never see a
// torn entry: every observed index below the watermark is fully formed.
func TestConcurrentHelperReadDuringOwnerAppend(t *testing.T) {
	s := New[int]()
	const n = 5000
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			s.Append(i)
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			if v, ok := s.At(i); ok {
				assert.Equal(t, i, v)
			}
		}
	}()

	wg.Wait()
	assert.Equal(t, n, s.Len())
}
