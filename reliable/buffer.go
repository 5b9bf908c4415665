// File: reliable/buffer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reliable

import (
	"github.com/momentics/hioload-rtp/api"
)

// packetBuffer holds the bytes of one outstanding packet. Each variant
// knows how to give its memory back; release must be called exactly once.
type packetBuffer interface {
	bytes() []byte
	release()
}

// pooledBuffer borrows a fixed-size slot from a SlotPool.
type pooledBuffer struct {
	pool api.SlotPool
	slot []byte
	n    int
}

func (b *pooledBuffer) bytes() []byte { return b.slot[:b.n] }

func (b *pooledBuffer) release() {
	if b.slot == nil {
		panic("reliable: pooled packet buffer released twice")
	}
	b.pool.Put(b.slot)
	b.slot = nil
}

// ownedBuffer is an individually allocated buffer for packets that do not
// fit a pool slot, or when the pool is exhausted.
type ownedBuffer struct {
	b []byte
}

func (b *ownedBuffer) bytes() []byte { return b.b }

func (b *ownedBuffer) release() {
	if b.b == nil {
		panic("reliable: owned packet buffer released twice")
	}
	b.b = nil
}

// newPooledBuffer copies p into a slot. The caller has checked that p fits.
func newPooledBuffer(pool api.SlotPool, p []byte) (*pooledBuffer, error) {
	slot, err := pool.Get()
	if err != nil {
		return nil, err
	}
	n := copy(slot[:cap(slot)], p)
	return &pooledBuffer{pool: pool, slot: slot[:cap(slot)], n: n}, nil
}

func newOwnedBuffer(p []byte) *ownedBuffer {
	b := make([]byte, len(p))
	copy(b, p)
	return &ownedBuffer{b: b}
}
