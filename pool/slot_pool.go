// File: pool/slot_pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fixed-size slot allocation for packet copies.

package pool

import (
	"fmt"
	"sync/atomic"

	"github.com/momentics/hioload-rtp/api"
)

const (
	// DefaultSlotSize fits one RTP packet on a standard ethernet MTU.
	DefaultSlotSize = 1600

	defaultFreeCapacity = 4096
)

// SlotPool is a thread-safe pool of equally sized byte slots. With maxSlots > 0
// no more than maxSlots slots are ever live at once; Get beyond that fails.
type SlotPool struct {
	slotSize int
	maxSlots int64
	free     *freeRing

	live       atomic.Int64
	totalAlloc atomic.Int64
	gets       atomic.Int64
	puts       atomic.Int64
	exhausted  atomic.Int64
}

// NewSlotPool creates a pool of slotSize byte slots. maxSlots <= 0 means unbounded.
func NewSlotPool(slotSize, maxSlots int) (*SlotPool, error) {
	if slotSize <= 0 {
		return nil, fmt.Errorf("slot pool: slot size %d: %w", slotSize, api.ErrInvalidArgument)
	}
	capacity := defaultFreeCapacity
	if maxSlots > 0 {
		capacity = maxSlots
	}
	return &SlotPool{
		slotSize: slotSize,
		maxSlots: int64(maxSlots),
		free:     newFreeRing(capacity),
	}, nil
}

// SlotSize reports the fixed slot length.
func (p *SlotPool) SlotSize() int { return p.slotSize }

// Get returns a free slot, allocating one when the free ring is empty and the
// cap allows it.
func (p *SlotPool) Get() ([]byte, error) {
	if slot, ok := p.free.pop(); ok {
		p.gets.Add(1)
		return slot, nil
	}
	for {
		live := p.live.Load()
		if p.maxSlots > 0 && live >= p.maxSlots {
			p.exhausted.Add(1)
			return nil, api.ErrPoolExhausted
		}
		if p.live.CompareAndSwap(live, live+1) {
			break
		}
	}
	p.totalAlloc.Add(1)
	p.gets.Add(1)
	return make([]byte, p.slotSize), nil
}

// Put recycles a slot. Slots of the wrong size never came from this pool and
// indicate a release-path mismatch, which panics.
func (p *SlotPool) Put(slot []byte) {
	if cap(slot) != p.slotSize {
		panic(fmt.Sprintf("slot pool: foreign slot of cap %d returned to %d-byte pool", cap(slot), p.slotSize))
	}
	p.puts.Add(1)
	if !p.free.push(slot[:p.slotSize]) {
		// ring full: let the GC have it
		p.live.Add(-1)
	}
}

// Stats returns a point-in-time view of pool counters.
func (p *SlotPool) Stats() api.PoolStats {
	gets, puts := p.gets.Load(), p.puts.Load()
	return api.PoolStats{
		TotalAlloc: p.totalAlloc.Load(),
		Gets:       gets,
		Puts:       puts,
		InUse:      gets - puts,
		Exhausted:  p.exhausted.Load(),
	}
}

var _ api.SlotPool = (*SlotPool)(nil)
