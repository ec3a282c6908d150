package scheduler

import (
	"container/heap"
	"context"
	"time"
)

// item is one queued task plus its scheduling bookkeeping. Items keep their
// original seq across a rate-limit wait so re-enqueueing does not lose their
// place within a priority band.
type item struct {
	task     *Task
	ctx      context.Context
	cancel   context.CancelFunc
	priority int
	seq      uint64
	enqueued time.Time
	cleared  bool // rate token already granted
	index    int  // heap index, -1 when not queued
}

// taskHeap orders items by priority descending, then submission order.
type taskHeap []*item

var _ heap.Interface = (*taskHeap)(nil)

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// remove takes the item out of the heap wherever it sits.
func (h *taskHeap) remove(it *item) {
	if it.index >= 0 && it.index < len(*h) && (*h)[it.index] == it {
		heap.Remove(h, it.index)
	}
}
