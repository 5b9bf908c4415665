// File: internal/concurrency/result.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"fmt"
	"time"
)

type resultKind uint8

const (
	resultIdle resultKind = iota
	resultRetry
	resultTerminate
)

// Result is what Run hands back to its worker.
type Result struct {
	kind  resultKind
	after time.Duration
}

// Terminate removes the task from scheduling. It must not be touched again.
func Terminate() Result { return Result{kind: resultTerminate} }

// Idle releases the task until the next Signal. If a signal raced with the
// release the task is run again immediately.
func Idle() Result { return Result{kind: resultIdle} }

// RetryAfter parks the task in the calling worker's timer heap for d.
// A non-positive d is the same as Idle.
func RetryAfter(d time.Duration) Result {
	if d <= 0 {
		return Idle()
	}
	return Result{kind: resultRetry, after: d}
}

// IsTerminate reports whether r ends the task.
func (r Result) IsTerminate() bool { return r.kind == resultTerminate }

// IsIdle reports whether r releases the task until signaled.
func (r Result) IsIdle() bool { return r.kind == resultIdle }

// Delay returns the re-invocation delay of a RetryAfter result, else zero.
func (r Result) Delay() time.Duration { return r.after }

func (r Result) String() string {
	switch r.kind {
	case resultTerminate:
		return "terminate"
	case resultRetry:
		return fmt.Sprintf("retry-after(%s)", r.after)
	default:
		return "idle"
	}
}
