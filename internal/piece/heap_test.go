package piece

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPopOrderNonDecreasingByKey(t *testing.T) {
	h := NewHeap[string]()

	mk := func(idx uint32, havers ...string) *Status[string] {
		s := NewStatus[string](idx)
		for _, hv := range havers {
			s.Havers[hv] = struct{}{}
		}
		return s
	}

	a := mk(0, "x", "y", "z") // 3 havers
	b := mk(1, "x")           // 1 haver
	c := mk(2, "x", "y")      // 2 havers

	h.Insert(a)
	h.Insert(b)
	h.Insert(c)

	require.Equal(t, uint32(1), h.PeekMin().Index)

	var keys []int
	for h.Len() > 0 {
		s := h.PopMin()
		keys = append(keys, len(s.Havers))
	}
	for i := 1; i < len(keys); i++ {
		require.LessOrEqual(t, keys[i-1], keys[i])
	}
}

func TestUpdateReheapifies(t *testing.T) {
	h := NewHeap[int]()
	a := NewStatus[int](0)
	a.Havers[1] = struct{}{}
	a.Havers[2] = struct{}{}
	b := NewStatus[int](1)
	b.Havers[1] = struct{}{}

	h.Insert(a)
	h.Insert(b)
	require.Equal(t, uint32(1), h.PeekMin().Index)

	// a loses both havers, becoming rarer than b.
	delete(a.Havers, 1)
	delete(a.Havers, 2)
	h.Update(a)
	require.Equal(t, uint32(0), h.PeekMin().Index)
}

func TestRemoveClearsHeapIndex(t *testing.T) {
	h := NewHeap[int]()
	a := NewStatus[int](0)
	h.Insert(a)
	require.True(t, a.InHeap())
	h.Remove(a)
	require.False(t, a.InHeap())
	require.Equal(t, 0, h.Len())
}

func TestInterleavedInsertUpdatePop(t *testing.T) {
	h := NewHeap[int]()
	statuses := make([]*Status[int], 5)
	for i := range statuses {
		statuses[i] = NewStatus[int](uint32(i))
		for j := 0; j <= i; j++ {
			statuses[i].Havers[j] = struct{}{}
		}
		h.Insert(statuses[i])
	}
	// Shrink piece 4's haver set below piece 0's.
	for k := range statuses[4].Havers {
		delete(statuses[4].Havers, k)
	}
	h.Update(statuses[4])

	var prev = -1
	for h.Len() > 0 {
		s := h.PopMin()
		n := len(s.Havers)
		require.GreaterOrEqual(t, n, prev)
		prev = n
	}
}
