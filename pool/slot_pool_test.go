package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-rtp/api"
)

func TestSlotPool_ReusesSlots(t *testing.T) {
	p, err := NewSlotPool(64, 0)
	require.NoError(t, err)

	s1, err := p.Get()
	require.NoError(t, err)
	assert.Len(t, s1, 64)
	s1[0] = 0xAB
	p.Put(s1)

	s2, err := p.Get()
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), s2[0], "slot should come back from the free ring")

	st := p.Stats()
	assert.Equal(t, int64(1), st.TotalAlloc)
	assert.Equal(t, int64(2), st.Gets)
	assert.Equal(t, int64(1), st.Puts)
	assert.Equal(t, int64(1), st.InUse)
}

func TestSlotPool_CapIsFallible(t *testing.T) {
	p, err := NewSlotPool(32, 2)
	require.NoError(t, err)

	a, err := p.Get()
	require.NoError(t, err)
	_, err = p.Get()
	require.NoError(t, err)

	_, err = p.Get()
	assert.ErrorIs(t, err, api.ErrPoolExhausted)
	assert.Equal(t, int64(1), p.Stats().Exhausted)

	p.Put(a)
	_, err = p.Get()
	assert.NoError(t, err)
}

func TestSlotPool_RejectsBadSize(t *testing.T) {
	_, err := NewSlotPool(0, 0)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestSlotPool_ForeignSlotPanics(t *testing.T) {
	p, err := NewSlotPool(16, 0)
	require.NoError(t, err)
	assert.Panics(t, func() { p.Put(make([]byte, 17)) })
}

func TestSlotPool_Concurrent(t *testing.T) {
	p, err := NewSlotPool(128, 64)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				s, err := p.Get()
				if err != nil {
					continue
				}
				p.Put(s)
			}
		}()
	}
	wg.Wait()

	st := p.Stats()
	assert.Equal(t, int64(0), st.InUse)
	assert.LessOrEqual(t, st.TotalAlloc, int64(64))
}

func TestFreeRing_FIFOAndBounds(t *testing.T) {
	r := newFreeRing(3) // rounds to 4
	for i := 0; i < 4; i++ {
		assert.True(t, r.push([]byte{byte(i)}))
	}
	assert.False(t, r.push([]byte{9}))
	assert.Equal(t, 4, r.len())
	for i := 0; i < 4; i++ {
		s, ok := r.pop()
		require.True(t, ok)
		assert.Equal(t, byte(i), s[0])
	}
	_, ok := r.pop()
	assert.False(t, ok)
}
