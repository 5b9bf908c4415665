// File: api/pool.go
// Author: momentics <momentics@gmail.com>
//
// Defines abstract pooling APIs: fixed-size slot allocation for packet copies.

package api

// SlotPool hands out fixed-size byte slots. Get is fallible: a pool with a
// slot cap returns ErrPoolExhausted rather than growing without bound.
type SlotPool interface {
	// SlotSize is the length of every slot handed out by Get.
	SlotSize() int

	// Get returns a slot of exactly SlotSize bytes.
	Get() ([]byte, error)

	// Put returns a slot obtained from Get. The slot must not be used afterwards.
	Put(slot []byte)

	// Stats exposes resource/accounting metrics for observability.
	Stats() PoolStats
}

// PoolStats aggregates slot allocation/reuse stats.
type PoolStats struct {
	TotalAlloc int64 // slots ever allocated from the heap
	Gets       int64
	Puts       int64
	InUse      int64
	Exhausted  int64 // Get calls refused because of the slot cap
}
