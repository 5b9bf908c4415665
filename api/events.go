// File: api/events.go
// Package api defines readiness event types shared by the reactor and sockets.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// EventMask selects the readiness conditions a descriptor is interested in.
type EventMask uint32

const (
	EventReadable EventMask = 1 << iota
	EventWritable
)

func (m EventMask) String() string {
	switch m {
	case 0:
		return "none"
	case EventReadable:
		return "readable"
	case EventWritable:
		return "writable"
	case EventReadable | EventWritable:
		return "readable|writable"
	default:
		return "invalid"
	}
}
