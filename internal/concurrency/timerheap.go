// File: internal/concurrency/timerheap.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-worker min-heap of parked tasks keyed by wake-up time.

package concurrency

import (
	"container/heap"
	"time"
)

// timerHeap implements heap.Interface. It is owned by a single worker.
type timerHeap []*Task

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Task)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}

func (h *timerHeap) insert(t *Task, due time.Time) {
	if t.heapIndex >= 0 {
		panic("concurrency: task " + t.name + " inserted into a timer heap twice")
	}
	t.due = due
	heap.Push(h, t)
}

// peek returns the earliest task without removing it.
func (h timerHeap) peek() *Task {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// popDue removes and returns the earliest task if it is due at now.
func (h *timerHeap) popDue(now time.Time) *Task {
	t := h.peek()
	if t == nil || t.due.After(now) {
		return nil
	}
	return heap.Pop(h).(*Task)
}

func (h *timerHeap) remove(t *Task) {
	if t.heapIndex < 0 {
		return
	}
	heap.Remove(h, t.heapIndex)
}
