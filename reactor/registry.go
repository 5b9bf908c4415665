// File: reactor/registry.go
// Author: momentics <momentics@gmail.com>
//
// Refcounted tag -> EventContext table with wrap-around tag allocation.

package reactor

import (
	"fmt"
	"math"
	"sync"

	"github.com/momentics/hioload-rtp/api"
)

type registryEntry struct {
	ctx  *EventContext
	refs int
	gone bool
}

// Registry maps tags to contexts. Lookups pin an entry with a reference so a
// concurrent Unregister waits for the dispatch in progress to finish.
type Registry struct {
	mu       sync.Mutex
	released *sync.Cond
	entries  map[uint32]*registryEntry
	nextTag  uint32
	maxTag   uint32
}

// NewRegistry returns an empty table handing out tags 1..math.MaxUint32.
func NewRegistry() *Registry {
	return newRegistryWithLimit(math.MaxUint32)
}

func newRegistryWithLimit(maxTag uint32) *Registry {
	r := &Registry{
		entries: make(map[uint32]*registryEntry),
		maxTag:  maxTag,
	}
	r.released = sync.NewCond(&r.mu)
	return r
}

// Register allocates a tag unique among live entries and binds it to ctx.
// The counter wraps back to 1 after maxTag, skipping tags still in use.
func (r *Registry) Register(ctx *EventContext) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if uint64(len(r.entries)) >= uint64(r.maxTag) {
		return 0, fmt.Errorf("reactor: tag space: %w", api.ErrResourceExhausted)
	}
	for {
		r.nextTag++
		if r.nextTag > r.maxTag || r.nextTag == wakeTag {
			r.nextTag = 1
		}
		if _, used := r.entries[r.nextTag]; !used {
			break
		}
	}
	r.entries[r.nextTag] = &registryEntry{ctx: ctx}
	return r.nextTag, nil
}

// Acquire resolves tag and takes a reference. ok is false if the context has
// been unregistered, which during dispatch is a normal race.
func (r *Registry) Acquire(tag uint32) (*EventContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[tag]
	if !ok || e.gone {
		return nil, false
	}
	e.refs++
	return e.ctx, true
}

// Release drops a reference taken by Acquire.
func (r *Registry) Release(tag uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[tag]
	if !ok {
		panic(fmt.Sprintf("reactor: release of unknown tag %d", tag))
	}
	e.refs--
	if e.refs < 0 {
		panic(fmt.Sprintf("reactor: tag %d released more often than acquired", tag))
	}
	if e.gone && e.refs == 0 {
		delete(r.entries, tag)
		r.released.Broadcast()
	}
}

// Unregister removes tag, blocking until every outstanding reference is
// released. It must not be called from inside a dispatch of the same tag.
func (r *Registry) Unregister(tag uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[tag]
	if !ok || e.gone {
		return fmt.Errorf("reactor: tag %d: %w", tag, api.ErrNotRegistered)
	}
	e.gone = true
	for e.refs > 0 {
		r.released.Wait()
	}
	if cur, ok := r.entries[tag]; ok && cur == e {
		delete(r.entries, tag)
	}
	return nil
}

// Len returns the number of registered contexts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
