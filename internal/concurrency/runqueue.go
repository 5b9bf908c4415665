// File: internal/concurrency/runqueue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Blocking FIFO of runnable tasks, one per worker.

package concurrency

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

type runQueue struct {
	mu     sync.Mutex
	q      *queue.Queue
	notify chan struct{}
}

func newRunQueue() *runQueue {
	return &runQueue{
		q:      queue.New(),
		notify: make(chan struct{}, 1),
	}
}

func (rq *runQueue) push(t *Task) {
	rq.mu.Lock()
	rq.q.Add(t)
	rq.mu.Unlock()
	select {
	case rq.notify <- struct{}{}:
	default:
	}
}

func (rq *runQueue) tryPop() *Task {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	if rq.q.Length() == 0 {
		return nil
	}
	return rq.q.Remove().(*Task)
}

func (rq *runQueue) len() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.q.Length()
}

// popWait blocks for up to wait (forever when wait < 0) or until stop closes.
func (rq *runQueue) popWait(wait time.Duration, timer *time.Timer, stop <-chan struct{}) *Task {
	if t := rq.tryPop(); t != nil {
		return t
	}
	var timeout <-chan time.Time
	if wait >= 0 {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		timeout = timer.C
	}
	select {
	case <-rq.notify:
	case <-timeout:
	case <-stop:
		return nil
	}
	return rq.tryPop()
}
