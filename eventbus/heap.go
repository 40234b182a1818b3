package eventbus

import "container/heap"

// eventHeap is a min-heap ordered by (timeout, seq): the earliest due
// event pops first, and events with equal timeouts pop in submission
// order.
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].timeout.Equal(h[j].timeout) {
		return h[i].seq < h[j].seq
	}
	return h[i].timeout.Before(h[j].timeout)
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(*Event)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

func (h *eventHeap) push(e *Event) { heap.Push(h, e) }

func (h *eventHeap) pop() *Event { return heap.Pop(h).(*Event) }

func (h eventHeap) peek() *Event {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
