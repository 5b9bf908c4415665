// File: reactor/eventthread.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// EventThread: the single goroutine that waits on the poller and dispatches.

package reactor

import (
	"io"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// EventThread owns a Poller and the Registry of contexts registered with it.
type EventThread struct {
	poller   Poller
	registry *Registry
	log      logrus.FieldLogger

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopping atomic.Bool
	done     chan struct{}

	dispatched atomic.Int64
	stale      atomic.Int64
}

// ThreadOption customizes NewEventThread.
type ThreadOption func(*EventThread)

// WithLogger sets the event thread logger.
func WithLogger(l logrus.FieldLogger) ThreadOption {
	return func(et *EventThread) {
		if l != nil {
			et.log = l
		}
	}
}

// WithPoller substitutes the platform poller.
func WithPoller(p Poller) ThreadOption {
	return func(et *EventThread) { et.poller = p }
}

// NewEventThread creates the platform poller and an empty registry. The
// thread does not dispatch until Start.
func NewEventThread(opts ...ThreadOption) (*EventThread, error) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	et := &EventThread{
		registry: NewRegistry(),
		log:      l,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(et)
	}
	if et.poller == nil {
		p, err := NewPoller()
		if err != nil {
			return nil, err
		}
		et.poller = p
	}
	return et, nil
}

// Registry exposes the tag table, mainly for stats.
func (et *EventThread) Registry() *Registry { return et.registry }

// Start launches the dispatch loop. Starting a stopped thread is a no-op.
func (et *EventThread) Start() {
	et.mu.Lock()
	defer et.mu.Unlock()
	if et.started || et.stopped {
		return
	}
	et.started = true
	go et.loop()
}

func (et *EventThread) loop() {
	defer close(et.done)
	events := make([]Event, maxEventsPerWait)
	for !et.stopping.Load() {
		n, err := et.poller.Wait(events, -1)
		if err != nil {
			if et.stopping.Load() {
				return
			}
			et.log.WithError(err).Error("poller wait failed, event thread exiting")
			return
		}
		for i := 0; i < n; i++ {
			et.dispatchOne(events[i])
		}
		runtime.Gosched()
	}
}

func (et *EventThread) dispatchOne(ev Event) {
	ctx, ok := et.registry.Acquire(ev.Tag)
	if !ok {
		// context went away between Wait and lookup
		et.stale.Add(1)
		return
	}
	defer et.registry.Release(ev.Tag)
	defer func() {
		if r := recover(); r != nil {
			et.log.WithFields(logrus.Fields{"tag": ev.Tag, "panic": r}).Error("event hook panicked")
		}
	}()
	et.dispatched.Add(1)
	ctx.dispatch(ev)
}

// Stop ends the loop, waits for it and closes the poller. Contexts still
// registered keep their descriptors; their Cleanup remains valid.
func (et *EventThread) Stop() error {
	et.mu.Lock()
	if et.stopped {
		et.mu.Unlock()
		return nil
	}
	et.stopped = true
	started := et.started
	et.mu.Unlock()

	et.stopping.Store(true)
	if started {
		if err := et.poller.Wakeup(); err != nil {
			et.log.WithError(err).Warn("poller wakeup failed")
		}
		<-et.done
	}
	return et.poller.Close()
}

// Stats returns dispatch counters.
func (et *EventThread) Stats() map[string]int64 {
	return map[string]int64{
		"dispatched": et.dispatched.Load(),
		"stale_tags": et.stale.Load(),
		"registered": int64(et.registry.Len()),
	}
}
