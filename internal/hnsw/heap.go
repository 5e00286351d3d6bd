package hnsw

import "container/heap"

// candidateNode is one entry in a beam search's candidate or result heap.
type candidateNode struct {
	id   int32
	dist float64
}

// minCandHeap orders ascending by distance: Pop yields the closest node,
// used for the candidate frontier in beam search.
type minCandHeap []candidateNode

func (h minCandHeap) Len() int            { return len(h) }
func (h minCandHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minCandHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minCandHeap) Push(x any)         { *h = append(*h, x.(candidateNode)) }
func (h *minCandHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// maxCandHeap orders descending by distance: the root (index 0) is always
// the current worst accepted result, so it can be evicted in O(log n) when
// a closer candidate is found (spec §4.5 two-heap structure).
type maxCandHeap []candidateNode

func (h maxCandHeap) Len() int            { return len(h) }
func (h maxCandHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxCandHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxCandHeap) Push(x any)         { *h = append(*h, x.(candidateNode)) }
func (h *maxCandHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

var _ = heap.Interface(&minCandHeap{})
var _ = heap.Interface(&maxCandHeap{})
