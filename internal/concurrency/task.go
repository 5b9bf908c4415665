// File: internal/concurrency/task.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Task: the unit of cooperative scheduling with coalesced pending events.

package concurrency

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"
)

// Runner is implemented by every schedulable unit. Run is called on a worker
// goroutine, never concurrently with itself, and must not block. Run should
// drain its flags with GetEvents; an Idle result with events still pending
// makes the worker run the task again.
type Runner interface {
	Run(t *Task) Result
}

// RunnerFunc adapts a plain function to Runner.
type RunnerFunc func(t *Task) Result

// Run calls f(t).
func (f RunnerFunc) Run(t *Task) Result { return f(t) }

// Task carries the scheduling state of one Runner.
type Task struct {
	_      cpu.CacheLinePad
	events atomic.Uint32
	_      cpu.CacheLinePad

	name   string
	runner Runner
	pool   *WorkerPool

	dead atomic.Bool

	// parkedOn is the worker whose timer heap currently holds the task.
	parkedOn atomic.Pointer[worker]
	// expediting is set while a wake-up request sits in parkedOn's run queue.
	expediting atomic.Bool

	exclusive atomic.Bool

	// Owned by the worker currently running or parking the task.
	running   *worker
	pinReq    bool
	due       time.Time
	heapIndex int
}

// NewTask binds r to the pool. The task does nothing until its first Signal.
func (p *WorkerPool) NewTask(name string, r Runner) *Task {
	p.liveTasks.Add(1)
	return &Task{
		name:      name,
		runner:    r,
		pool:      p,
		heapIndex: -1,
	}
}

// Name is the label used in logs and stats.
func (t *Task) Name() string { return t.name }

// Signal adds flags to the pending set. The first signal of a burst places the
// task on a run queue; later signals only merge their flags. Signals to a
// terminated task are dropped.
func (t *Task) Signal(flags EventFlags) {
	if t.dead.Load() {
		return
	}
	prev := EventFlags(t.events.Or(uint32(flags | eventAlive)))
	if prev&eventAlive == 0 {
		t.pool.enqueue(t)
		return
	}
	t.pool.signalsCoalesced.Add(1)
	// Parked in a timer heap: ask the owning worker to run it early.
	if w := t.parkedOn.Load(); w != nil && t.expediting.CompareAndSwap(false, true) {
		w.queue.push(t)
	}
}

// GetEvents returns and clears every pending flag. Several Signal calls may be
// folded into one result, so callers must not count signals.
func (t *Task) GetEvents() EventFlags {
	prev := EventFlags(t.events.And(uint32(eventAlive)))
	return prev &^ eventAlive
}

// PinToCurrentWorker keeps the next run of t on the worker executing it now.
// It is only valid inside Run and lasts for exactly one run; the next run is
// delayed by at least MinPinnedDelay. Signals that arrive in between wake the
// task on that same worker.
func (t *Task) PinToCurrentWorker() {
	if t.running == nil {
		panic("concurrency: PinToCurrentWorker called outside Run of task " + t.name)
	}
	t.pinReq = true
}

// RequestExclusive makes the next Run of t hold the pool-wide write lock,
// excluding every other task for its duration.
func (t *Task) RequestExclusive() { t.exclusive.Store(true) }

// Alive reports whether the task has not terminated.
func (t *Task) Alive() bool { return !t.dead.Load() }

// WorkerID returns the index of the worker running t, or -1 outside Run.
func (t *Task) WorkerID() int {
	if t.running == nil {
		return -1
	}
	return t.running.id
}

// idleRelease clears the alive bit if nothing is pending. False means a signal
// arrived during Run and the task has to run again.
func (t *Task) idleRelease() bool {
	return t.events.CompareAndSwap(uint32(eventAlive), 0)
}
