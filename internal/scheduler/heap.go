// Package scheduler promotes delayed work-queue jobs when they come due.
//
// A min-heap keyed by due time keeps the next job at the root: peek is O(1)
// and insert/cancel are O(log N). One goroutine sleeps until the root is due,
// pops it and hands (jobID, queue) to the ready callback. A buffered notify
// channel lets Schedule interrupt the sleep when a sooner job arrives.
package scheduler

import "container/heap"

// entry is one delayed job in the heap.
type entry struct {
	jobID string
	queue string
	dueAt int64 // UTC milliseconds, sort key

	// idx is maintained by Swap so Cancel can heap.Remove in O(log N).
	idx int

	// cancelled entries are dropped by the goroutine instead of promoted.
	cancelled bool
}

type dueHeap []*entry

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	if h[i].dueAt != h[j].dueAt {
		return h[i].dueAt < h[j].dueAt
	}
	return h[i].jobID < h[j].jobID
}

func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *dueHeap) Push(x any) {
	e := x.(*entry)
	e.idx = len(*h)
	*h = append(*h, e)
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}

func (h *dueHeap) remove(idx int) *entry {
	return heap.Remove(h, idx).(*entry)
}
