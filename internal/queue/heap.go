package queue

import "container/heap"

// entryHeap orders ready entries by descending priority, then ascending
// sequence (FIFO within a priority tier). It may hold stale pointers for
// entries whose state changed after push; Dequeue filters those lazily.
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Sequence < h[j].Sequence
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

func (q *Queue) pushReady(e *Entry) {
	heap.Push(&q.ready, e)
}

func (q *Queue) popReady() *Entry {
	return heap.Pop(&q.ready).(*Entry)
}
