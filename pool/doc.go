// Package pool
// Author: momentics <momentics@gmail.com>
//
// Memory layer for hioload-rtp. SlotPool hands out fixed-size slots that the
// reliability engine copies outgoing packets into, recycling them through a
// lock-free MPMC free ring. The pool is an explicit object owned by whoever
// builds the server; there is no process-wide default instance.
package pool
