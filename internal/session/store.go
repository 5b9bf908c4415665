// File: internal/session/store.go
// Author: momentics <momentics@gmail.com>
//
// Sharded, thread-safe session table for high connection counts.

package session

import (
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrDuplicate is returned by Add for an id already present.
var ErrDuplicate = errors.New("session: duplicate id")

// Session is anything the table can hold.
type Session interface {
	ID() uuid.UUID
	// Cancel asks the session to end. It must not block and must be safe
	// to call more than once.
	Cancel()
}

// Manager stores sessions in power-of-two shards.
type Manager[S Session] struct {
	shards []*shard[S]
	mask   uint32
	count  atomic.Int64
}

type shard[S Session] struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]S
}

// NewManager constructs a manager with at least shardCount shards.
func NewManager[S Session](shardCount int) *Manager[S] {
	if shardCount <= 0 {
		shardCount = 16
	}
	// power-of-two shards for bitmasking
	n := nextPowerOfTwo(uint32(shardCount))
	shards := make([]*shard[S], n)
	for i := range shards {
		shards[i] = &shard[S]{sessions: make(map[uuid.UUID]S)}
	}
	return &Manager[S]{shards: shards, mask: n - 1}
}

func (m *Manager[S]) shard(id uuid.UUID) *shard[S] {
	return m.shards[fnv32(id)&m.mask]
}

// Add inserts s.
func (m *Manager[S]) Add(s S) error {
	id := s.ID()
	sh := m.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.sessions[id]; ok {
		return ErrDuplicate
	}
	sh.sessions[id] = s
	m.count.Add(1)
	return nil
}

// Get fetches a session if present.
func (m *Manager[S]) Get(id uuid.UUID) (S, bool) {
	sh := m.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[id]
	return s, ok
}

// Remove drops id without cancelling it, for sessions that ended on their
// own. It reports whether id was present.
func (m *Manager[S]) Remove(id uuid.UUID) bool {
	sh := m.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.sessions[id]; !ok {
		return false
	}
	delete(sh.sessions, id)
	m.count.Add(-1)
	return true
}

// Delete cancels and removes the session.
func (m *Manager[S]) Delete(id uuid.UUID) {
	sh := m.shard(id)
	sh.mu.Lock()
	s, ok := sh.sessions[id]
	if ok {
		delete(sh.sessions, id)
		m.count.Add(-1)
	}
	sh.mu.Unlock()
	if ok {
		s.Cancel()
	}
}

// Range applies fn to a snapshot of each shard, so fn may call back into
// the manager.
func (m *Manager[S]) Range(fn func(S)) {
	var batch []S
	for _, sh := range m.shards {
		sh.mu.RLock()
		batch = batch[:0]
		for _, s := range sh.sessions {
			batch = append(batch, s)
		}
		sh.mu.RUnlock()
		for _, s := range batch {
			fn(s)
		}
	}
}

// CancelAll cancels every session; sessions remove themselves as they end.
func (m *Manager[S]) CancelAll() {
	m.Range(func(s S) { s.Cancel() })
}

// Len returns the number of sessions.
func (m *Manager[S]) Len() int { return int(m.count.Load()) }

// fnv32 hashes an id to uint32.
func fnv32(id uuid.UUID) uint32 {
	h := fnv.New32a()
	h.Write(id[:])
	return h.Sum32()
}

// nextPowerOfTwo returns the next power-of-two >= v.
func nextPowerOfTwo(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
