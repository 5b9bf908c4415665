package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-rtp/api"
)

func TestRegistry_UniqueTags(t *testing.T) {
	r := NewRegistry()
	seen := map[uint32]bool{}
	for i := 0; i < 100; i++ {
		tag, err := r.Register(&EventContext{})
		require.NoError(t, err)
		assert.NotEqual(t, wakeTag, tag)
		assert.False(t, seen[tag], "tag %d handed out twice", tag)
		seen[tag] = true
	}
	assert.Equal(t, 100, r.Len())
}

func TestRegistry_WrapAroundSkipsLiveTags(t *testing.T) {
	r := newRegistryWithLimit(3)
	t1, _ := r.Register(&EventContext{})
	t2, _ := r.Register(&EventContext{})
	t3, _ := r.Register(&EventContext{})
	assert.Equal(t, []uint32{1, 2, 3}, []uint32{t1, t2, t3})

	_, err := r.Register(&EventContext{})
	assert.ErrorIs(t, err, api.ErrResourceExhausted)

	require.NoError(t, r.Unregister(t2))
	tag, err := r.Register(&EventContext{})
	require.NoError(t, err)
	assert.Equal(t, t2, tag, "the only free tag after wrap-around")
}

func TestRegistry_AcquireAfterUnregister(t *testing.T) {
	r := NewRegistry()
	ctx := &EventContext{}
	tag, err := r.Register(ctx)
	require.NoError(t, err)

	got, ok := r.Acquire(tag)
	require.True(t, ok)
	assert.Same(t, ctx, got)
	r.Release(tag)

	require.NoError(t, r.Unregister(tag))
	_, ok = r.Acquire(tag)
	assert.False(t, ok)
	assert.ErrorIs(t, r.Unregister(tag), api.ErrNotRegistered)
}

func TestRegistry_UnregisterWaitsForDispatch(t *testing.T) {
	r := NewRegistry()
	tag, err := r.Register(&EventContext{})
	require.NoError(t, err)

	_, ok := r.Acquire(tag)
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		_ = r.Unregister(tag)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("unregister returned while a dispatch held the context")
	case <-time.After(30 * time.Millisecond):
	}

	// new lookups already fail while the old reference drains
	_, ok = r.Acquire(tag)
	assert.False(t, ok)

	r.Release(tag)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unregister did not resume after release")
	}
	assert.Zero(t, r.Len())
}

func TestRegistry_ReleaseMisusePanics(t *testing.T) {
	r := NewRegistry()
	assert.Panics(t, func() { r.Release(42) })

	tag, _ := r.Register(&EventContext{})
	assert.Panics(t, func() { r.Release(tag) })
}
