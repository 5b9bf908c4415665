// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness poller contract.

package reactor

import (
	"errors"
	"time"

	"github.com/momentics/hioload-rtp/api"
)

var (
	ErrPollerClosed  = errors.New("reactor: poller closed")
	ErrThreadStopped = errors.New("reactor: event thread stopped")
)

// wakeTag is reserved for the poller's own wake-up descriptor and is never
// handed out by a Registry.
const wakeTag uint32 = 0

// maxEventsPerWait bounds one Wait batch.
const maxEventsPerWait = 128

// Poller is the contract an OS readiness facility has to satisfy. Interest is
// one-shot: after an event is delivered for a descriptor, no further events
// arrive until Modify re-arms it.
type Poller interface {
	// Register adds fd under tag with the given interest.
	Register(fd int, tag uint32, mask api.EventMask) error

	// Modify re-arms fd with a new interest, keeping its tag.
	Modify(fd int, tag uint32, mask api.EventMask) error

	// Unregister removes fd. The caller still owns and closes the descriptor.
	Unregister(fd int) error

	// Wait blocks until at least one event is ready, the timeout elapses
	// (timeout < 0 blocks forever) or Wakeup is called. Events carrying the
	// reserved wake tag are filtered out.
	Wait(events []Event, timeout time.Duration) (n int, err error)

	// Wakeup interrupts a concurrent Wait.
	Wakeup() error

	// Close releases the poller.
	Close() error
}

// Event is one readiness notification.
type Event struct {
	Tag  uint32
	Mask api.EventMask
	// Hangup is set for error or peer-close conditions; Mask then includes
	// EventReadable so the reader observes the failure.
	Hangup bool
}
