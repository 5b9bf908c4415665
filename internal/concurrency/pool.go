// File: internal/concurrency/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// WorkerPool: fixed set of workers with round-robin task placement.

package concurrency

import (
	"io"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// WorkerPool owns every worker goroutine. It is created running and must be
// stopped with Shutdown.
type WorkerPool struct {
	workers []*worker
	next    atomic.Uint64
	closed  atomic.Bool
	wg      sync.WaitGroup
	log     logrus.FieldLogger
	pinCPUs bool

	// globalLock is held for reading by every Run, for writing by exclusive runs.
	globalLock sync.RWMutex

	// statistics
	liveTasks        atomic.Int64
	tasksRun         atomic.Int64
	timersFired      atomic.Int64
	signalsCoalesced atomic.Int64
	expedited        atomic.Int64
	reruns           atomic.Int64
	terminated       atomic.Int64
	panics           atomic.Int64
}

// PoolOption customizes NewWorkerPool.
type PoolOption func(*WorkerPool)

// WithLogger sets the logger used for worker lifecycle and task panics.
func WithLogger(l logrus.FieldLogger) PoolOption {
	return func(p *WorkerPool) {
		if l != nil {
			p.log = l
		}
	}
}

// WithCPUPinning binds worker i to CPU i mod NumCPU.
func WithCPUPinning(enabled bool) PoolOption {
	return func(p *WorkerPool) { p.pinCPUs = enabled }
}

// NewWorkerPool starts numWorkers workers. If numWorkers <= 0, defaults to
// runtime.NumCPU().
func NewWorkerPool(numWorkers int, opts ...PoolOption) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	p := &WorkerPool{log: discardLogger()}
	for _, opt := range opts {
		opt(p)
	}
	p.workers = make([]*worker, numWorkers)
	for i := range p.workers {
		p.workers[i] = newWorker(i, p)
	}
	p.wg.Add(numWorkers)
	for _, w := range p.workers {
		go w.run()
	}
	return p
}

// NumWorkers returns the number of workers.
func (p *WorkerPool) NumWorkers() int { return len(p.workers) }

// enqueue places a newly alive task round-robin across workers. After
// Shutdown it is a no-op.
func (p *WorkerPool) enqueue(t *Task) {
	if p.closed.Load() {
		return
	}
	idx := (p.next.Add(1) - 1) % uint64(len(p.workers))
	p.workers[idx].queue.push(t)
}

// Shutdown stops every worker, waking blocked ones, and waits for them to
// exit. A Run in progress completes first. Tasks still queued or parked are
// abandoned.
func (p *WorkerPool) Shutdown() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	for _, w := range p.workers {
		close(w.stopCh)
	}
	p.wg.Wait()
	p.log.WithField("workers", len(p.workers)).Info("worker pool stopped")
}

// Stats returns basic scheduler metrics.
func (p *WorkerPool) Stats() map[string]int64 {
	var queued int64
	for _, w := range p.workers {
		queued += int64(w.queue.len())
	}
	return map[string]int64{
		"num_workers":       int64(len(p.workers)),
		"live_tasks":        p.liveTasks.Load(),
		"queued_tasks":      queued,
		"tasks_run":         p.tasksRun.Load(),
		"timers_fired":      p.timersFired.Load(),
		"signals_coalesced": p.signalsCoalesced.Load(),
		"expedited":         p.expedited.Load(),
		"reruns":            p.reruns.Load(),
		"terminated":        p.terminated.Load(),
		"panics":            p.panics.Load(),
	}
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
