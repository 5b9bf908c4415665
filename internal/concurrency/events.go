// File: internal/concurrency/events.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import "strings"

// EventFlags is the pending-event bitset carried by every Task.
type EventFlags uint32

const (
	EventKill EventFlags = 1 << iota
	EventIdle
	EventStart
	EventTimeout
	EventRead
	EventWrite
	EventUpdate

	// eventAlive marks a task as queued, running or parked. It is never
	// returned by GetEvents.
	eventAlive EventFlags = 1 << 31
)

var eventNames = []struct {
	flag EventFlags
	name string
}{
	{EventKill, "kill"},
	{EventIdle, "idle"},
	{EventStart, "start"},
	{EventTimeout, "timeout"},
	{EventRead, "read"},
	{EventWrite, "write"},
	{EventUpdate, "update"},
}

// Has reports whether every bit of f2 is set in f.
func (f EventFlags) Has(f2 EventFlags) bool { return f&f2 == f2 }

func (f EventFlags) String() string {
	if f&^eventAlive == 0 {
		return "none"
	}
	var parts []string
	for _, e := range eventNames {
		if f&e.flag != 0 {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, "|")
}
