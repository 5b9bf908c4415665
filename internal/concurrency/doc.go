// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Cooperative task scheduler for hioload-rtp.
//
// A Task is a unit of work with an atomically coalesced set of pending event
// flags. Signal places a task on a worker's run queue at most once per burst
// of signals; the task drains its flags with GetEvents inside Run and tells
// the scheduler what to do next by returning Terminate, Idle or RetryAfter.
// Each worker owns a run queue and a timer min-heap, so a task is held by at
// most one worker at a time and never runs on two workers concurrently.
//
// All tasks run as readers of one pool-wide RWMutex. A task that called
// RequestExclusive runs its next Run under the writer side instead.
package concurrency
