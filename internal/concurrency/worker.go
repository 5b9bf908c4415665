// File: internal/concurrency/worker.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Worker loop: pick the earlier of a due timer or a queued task, run it to
// completion, then apply its Result.

package concurrency

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// MinWait bounds how long a worker sleeps before re-checking its timers,
	// so near-future wake-ups do not turn into busy spinning.
	MinWait = 10 * time.Millisecond

	// MinPinnedDelay is the smallest re-invocation delay of a pinned task.
	MinPinnedDelay = 10 * time.Millisecond
)

// worker owns one run queue and one timer heap.
type worker struct {
	id     int
	pool   *WorkerPool
	queue  *runQueue
	heap   timerHeap
	stopCh chan struct{}
	log    logrus.FieldLogger
}

func newWorker(id int, p *WorkerPool) *worker {
	return &worker{
		id:     id,
		pool:   p,
		queue:  newRunQueue(),
		stopCh: make(chan struct{}),
		log:    p.log.WithField("worker", id),
	}
}

func (w *worker) run() {
	defer w.pool.wg.Done()
	if w.pool.pinCPUs {
		if err := pinThread(w.id % numCPU()); err != nil {
			w.log.WithError(err).Warn("cpu pinning failed")
		}
	}
	w.log.Debug("worker started")
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		select {
		case <-w.stopCh:
			w.log.WithField("parked", w.heap.Len()).Debug("worker stopped")
			return
		default:
		}
		if t := w.nextTask(timer); t != nil {
			w.runTask(t)
		}
	}
}

// nextTask returns a due timer task, else waits on the run queue for at most
// max(MinWait, time to the nearest timer). With no timers it waits until
// something is queued or the worker is stopped.
func (w *worker) nextTask(timer *time.Timer) *Task {
	now := time.Now()
	if t := w.heap.popDue(now); t != nil {
		t.parkedOn.Store(nil)
		w.pool.timersFired.Add(1)
		return t
	}
	wait := time.Duration(-1)
	if next := w.heap.peek(); next != nil {
		wait = next.due.Sub(now)
		if wait < MinWait {
			wait = MinWait
		}
	}
	t := w.queue.popWait(wait, timer, w.stopCh)
	if t == nil {
		return nil
	}
	return w.claim(t)
}

// claim resolves a run queue entry. Besides ordinary enqueues the queue can
// hold wake-up requests for tasks parked in this worker's heap; at most one
// request per task is outstanding, tracked by Task.expediting.
func (w *worker) claim(t *Task) *Task {
	if t.parkedOn.Load() == w {
		t.expediting.Store(false)
		if EventFlags(t.events.Load())&^(eventAlive|EventIdle) == 0 {
			// Left over from before the timer fired; the events it was
			// raised for were consumed by that run. A Signal after the
			// Store above queues a fresh request.
			return nil
		}
		w.heap.remove(t)
		t.parkedOn.Store(nil)
		w.pool.expedited.Add(1)
		return t
	}
	if t.expediting.CompareAndSwap(true, false) {
		// Stale wake-up for a task whose timer already fired. If it has been
		// parked elsewhere since, forward any pending events to that worker.
		if other := t.parkedOn.Load(); other != nil && other != w &&
			EventFlags(t.events.Load())&^(eventAlive|EventIdle) != 0 &&
			t.expediting.CompareAndSwap(false, true) {
			other.queue.push(t)
		}
		return nil
	}
	return t
}

func (w *worker) runTask(t *Task) {
	for {
		res := w.invoke(t)
		if t.pinReq {
			t.pinReq = false
			res = pinnedResult(res)
		}
		switch res.kind {
		case resultTerminate:
			w.retire(t)
			return
		case resultIdle:
			if t.idleRelease() {
				return
			}
			w.pool.reruns.Add(1)
		default:
			w.park(t, res.after)
			return
		}
	}
}

// invoke runs t once under the pool-wide lock. A panic ends the task.
func (w *worker) invoke(t *Task) (res Result) {
	if t.dead.Load() {
		panic(fmt.Sprintf("concurrency: worker %d asked to run terminated task %q", w.id, t.name))
	}
	lock := &w.pool.globalLock
	if t.exclusive.Swap(false) {
		lock.Lock()
		defer lock.Unlock()
	} else {
		lock.RLock()
		defer lock.RUnlock()
	}
	t.running = w
	defer func() {
		t.running = nil
		if r := recover(); r != nil {
			w.pool.panics.Add(1)
			w.log.WithFields(logrus.Fields{"task": t.name, "panic": r}).Error("task panicked, terminating it")
			res = Terminate()
		}
	}()
	w.pool.tasksRun.Add(1)
	return t.runner.Run(t)
}

func (w *worker) park(t *Task, d time.Duration) {
	w.heap.insert(t, time.Now().Add(d))
	t.events.Or(uint32(EventIdle))
	t.parkedOn.Store(w)
	// A Signal that raced with parking may have missed parkedOn.
	if EventFlags(t.events.Load())&^(eventAlive|EventIdle) != 0 && t.expediting.CompareAndSwap(false, true) {
		w.queue.push(t)
	}
}

func (w *worker) retire(t *Task) {
	t.dead.Store(true)
	w.pool.liveTasks.Add(-1)
	w.pool.terminated.Add(1)
	w.log.WithField("task", t.name).Debug("task terminated")
}

// pinnedResult keeps a pinned task on the current worker's heap with at
// least MinPinnedDelay before its next run.
func pinnedResult(res Result) Result {
	switch {
	case res.kind == resultTerminate:
		return res
	case res.kind == resultIdle, res.after < MinPinnedDelay:
		return RetryAfter(MinPinnedDelay)
	default:
		return res
	}
}
