// File: internal/concurrency/timeout.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TimeoutTask signals an owner task with EventTimeout after a period without
// activity.

package concurrency

import (
	"sync/atomic"
	"time"
)

// TimeoutTask watches one owner task. Call RefreshTimeout on activity; once
// the timeout elapses without a refresh the owner receives EventTimeout, and
// again every timeout period after that until refreshed or stopped.
type TimeoutTask struct {
	task        *Task
	owner       *Task
	timeout     atomic.Int64
	lastRefresh atomic.Int64
	now         func() time.Time
}

// NewTimeoutTask starts watching owner. A non-positive timeout disables
// signaling until SetTimeout is called.
func (p *WorkerPool) NewTimeoutTask(owner *Task, timeout time.Duration) *TimeoutTask {
	tt := &TimeoutTask{owner: owner, now: time.Now}
	tt.timeout.Store(int64(timeout))
	tt.lastRefresh.Store(tt.now().UnixNano())
	tt.task = p.NewTask(owner.Name()+"/timeout", tt)
	tt.task.Signal(EventStart)
	return tt
}

// RefreshTimeout restarts the idle period.
func (tt *TimeoutTask) RefreshTimeout() {
	tt.lastRefresh.Store(tt.now().UnixNano())
}

// SetTimeout changes the period and restarts it.
func (tt *TimeoutTask) SetTimeout(d time.Duration) {
	tt.timeout.Store(int64(d))
	tt.RefreshTimeout()
	tt.task.Signal(EventUpdate)
}

// Stop terminates the watcher. The owner is not signaled.
func (tt *TimeoutTask) Stop() { tt.task.Signal(EventKill) }

// Run implements Runner.
func (tt *TimeoutTask) Run(t *Task) Result {
	if t.GetEvents().Has(EventKill) || !tt.owner.Alive() {
		return Terminate()
	}
	timeout := time.Duration(tt.timeout.Load())
	if timeout <= 0 {
		return Idle()
	}
	now := tt.now()
	deadline := time.Unix(0, tt.lastRefresh.Load()).Add(timeout)
	if now.Before(deadline) {
		return RetryAfter(deadline.Sub(now))
	}
	tt.owner.Signal(EventTimeout)
	tt.lastRefresh.Store(now.UnixNano())
	return RetryAfter(timeout)
}
