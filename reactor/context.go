// File: reactor/context.go
// Author: momentics <momentics@gmail.com>
//
// EventContext binds one descriptor to a tag and a target task.

package reactor

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rtp/api"
	"github.com/momentics/hioload-rtp/internal/concurrency"
)

// EventHook handles one readiness notification on the event thread. It must
// not block and must not call Cleanup on its own context.
type EventHook func(ctx *EventContext, ev Event)

// EventContext owns a descriptor once it has been registered. It never owns
// its task; the task is only a signal target.
type EventContext struct {
	mu         sync.Mutex
	fd         int
	thread     *EventThread
	task       *concurrency.Task
	hook       EventHook
	tag        uint32
	registered bool
}

// NewEventContext wraps fd for use with thread.
func NewEventContext(fd int, thread *EventThread) *EventContext {
	return &EventContext{fd: fd, thread: thread}
}

// FD returns the descriptor, or -1 after Cleanup.
func (c *EventContext) FD() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fd
}

// Tag returns the registration tag, zero if not registered.
func (c *EventContext) Tag() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tag
}

// SetTask sets the task signaled by the default hook.
func (c *EventContext) SetTask(t *concurrency.Task) {
	c.mu.Lock()
	c.task = t
	c.mu.Unlock()
}

// Task returns the signal target.
func (c *EventContext) Task() *concurrency.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task
}

// SetEventHook overrides the default signal-the-task behavior.
func (c *EventContext) SetEventHook(h EventHook) {
	c.mu.Lock()
	c.hook = h
	c.mu.Unlock()
}

// RequestEvent arms one-shot interest in mask. The first call registers the
// descriptor with the poller and the tag table; later calls only re-arm.
func (c *EventContext) RequestEvent(mask api.EventMask) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd < 0 {
		return fmt.Errorf("reactor: request event on cleaned-up context: %w", api.ErrClosed)
	}
	if c.registered {
		return c.thread.poller.Modify(c.fd, c.tag, mask)
	}
	tag, err := c.thread.registry.Register(c)
	if err != nil {
		return err
	}
	if err := c.thread.poller.Register(c.fd, tag, mask); err != nil {
		_ = c.thread.registry.Unregister(tag)
		return err
	}
	c.tag = tag
	c.registered = true
	return nil
}

// Cleanup releases the descriptor. A registered context is removed from the
// tag table (waiting for any dispatch in flight) and from the poller first.
// Cleanup is idempotent.
func (c *EventContext) Cleanup() error {
	c.mu.Lock()
	fd, tag, registered := c.fd, c.tag, c.registered
	c.fd, c.tag, c.registered = -1, 0, false
	c.mu.Unlock()
	if fd < 0 {
		return nil
	}
	var errs []error
	if registered {
		if err := c.thread.registry.Unregister(tag); err != nil {
			errs = append(errs, err)
		}
		if err := c.thread.poller.Unregister(fd); err != nil && !errors.Is(err, ErrPollerClosed) {
			errs = append(errs, err)
		}
	}
	if err := unix.Close(fd); err != nil {
		errs = append(errs, fmt.Errorf("close fd %d: %w", fd, err))
	}
	return errors.Join(errs...)
}

// dispatch runs the hook, or signals the task: readable and hangup conditions
// become EventRead, writability becomes EventWrite.
func (c *EventContext) dispatch(ev Event) {
	c.mu.Lock()
	hook, task := c.hook, c.task
	c.mu.Unlock()
	if hook != nil {
		hook(c, ev)
		return
	}
	if task == nil {
		return
	}
	var flags concurrency.EventFlags
	if ev.Mask&api.EventReadable != 0 {
		flags |= concurrency.EventRead
	}
	if ev.Mask&api.EventWritable != 0 {
		flags |= concurrency.EventWrite
	}
	if flags == 0 {
		flags = concurrency.EventRead
	}
	task.Signal(flags)
}
