// File: pool/free_ring.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bounded MPMC ring holding free slots. Sequence-numbered cells follow the
// Vyukov bounded queue; head and tail live on separate cache lines.

package pool

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

type ringCell struct {
	seq  atomic.Uint64
	slot []byte
}

// freeRing is a fixed-capacity multi-producer multi-consumer queue of slots.
type freeRing struct {
	_     cpu.CacheLinePad
	head  atomic.Uint64
	_     cpu.CacheLinePad
	tail  atomic.Uint64
	_     cpu.CacheLinePad
	mask  uint64
	cells []ringCell
}

func newFreeRing(capacity int) *freeRing {
	size := 2
	for size < capacity {
		size <<= 1
	}
	r := &freeRing{mask: uint64(size - 1), cells: make([]ringCell, size)}
	for i := range r.cells {
		r.cells[i].seq.Store(uint64(i))
	}
	return r
}

// push stores slot; false when the ring is full.
func (r *freeRing) push(slot []byte) bool {
	for {
		pos := r.tail.Load()
		c := &r.cells[pos&r.mask]
		diff := int64(c.seq.Load()) - int64(pos)
		switch {
		case diff == 0:
			if r.tail.CompareAndSwap(pos, pos+1) {
				c.slot = slot
				c.seq.Store(pos + 1)
				return true
			}
		case diff < 0:
			return false
		}
	}
}

// pop removes a slot; false when the ring is empty.
func (r *freeRing) pop() ([]byte, bool) {
	for {
		pos := r.head.Load()
		c := &r.cells[pos&r.mask]
		diff := int64(c.seq.Load()) - int64(pos+1)
		switch {
		case diff == 0:
			if r.head.CompareAndSwap(pos, pos+1) {
				slot := c.slot
				c.slot = nil
				c.seq.Store(pos + r.mask + 1)
				return slot, true
			}
		case diff < 0:
			return nil, false
		}
	}
}

func (r *freeRing) len() int {
	return int(r.tail.Load() - r.head.Load())
}
