// Package piece implements PieceStatus bookkeeping and the rarest-first
// piece heap: a min-heap of missing pieces keyed by haver count.
package piece

import "container/heap"

// Status describes a single missing piece. H is the session-handle type the
// engine uses to identify a haver (typically a pointer to its peer session
// type); piece stays decoupled from the engine package by being generic
// over it.
type Status[H comparable] struct {
	Index                uint32
	Havers               map[H]struct{}
	CurrentlyDownloading bool

	heapIndex int // -1 when not currently in the heap
}

// NewStatus returns a PieceStatus for a missing piece, not yet in any heap.
func NewStatus[H comparable](index uint32) *Status[H] {
	return &Status[H]{
		Index:     index,
		Havers:    make(map[H]struct{}),
		heapIndex: -1,
	}
}

// InHeap reports whether this status is currently tracked by a Heap.
func (s *Status[H]) InHeap() bool { return s.heapIndex >= 0 }

type heapData[H comparable] []*Status[H]

func (h heapData[H]) Len() int { return len(h) }
func (h heapData[H]) Less(i, j int) bool {
	return len(h[i].Havers) < len(h[j].Havers)
}
func (h heapData[H]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *heapData[H]) Push(x interface{}) {
	s := x.(*Status[H])
	s.heapIndex = len(*h)
	*h = append(*h, s)
}
func (h *heapData[H]) Pop() interface{} {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	s.heapIndex = -1
	*h = old[:n-1]
	return s
}

// Heap is an intrusive min-heap of missing pieces ordered by haver count.
// Each Status carries its own index into the heap array so Update can
// re-heapify in O(log n) without a linear search.
type Heap[H comparable] struct {
	data heapData[H]
}

// NewHeap returns an empty piece heap.
func NewHeap[H comparable]() *Heap[H] {
	return &Heap[H]{}
}

// Len returns the number of pieces currently tracked by the heap.
func (h *Heap[H]) Len() int { return h.data.Len() }

// Insert adds s to the heap. s must not already be in a heap.
func (h *Heap[H]) Insert(s *Status[H]) {
	heap.Push(&h.data, s)
}

// PeekMin returns the rarest piece without removing it, or nil if empty.
func (h *Heap[H]) PeekMin() *Status[H] {
	if h.data.Len() == 0 {
		return nil
	}
	return h.data[0]
}

// PopMin removes and returns the rarest piece, or nil if empty.
func (h *Heap[H]) PopMin() *Status[H] {
	if h.data.Len() == 0 {
		return nil
	}
	return heap.Pop(&h.data).(*Status[H])
}

// Update re-heapifies s after its key (haver count) changed in place. s must
// currently be in the heap.
func (h *Heap[H]) Update(s *Status[H]) {
	heap.Fix(&h.data, s.heapIndex)
}

// Remove takes s out of the heap regardless of position, used when a piece
// is downloaded while still tracked (e.g. via a haver race).
func (h *Heap[H]) Remove(s *Status[H]) {
	if s.heapIndex < 0 {
		return
	}
	heap.Remove(&h.data, s.heapIndex)
}
