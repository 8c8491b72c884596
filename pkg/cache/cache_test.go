package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimpleCacheBasicOperations(t *testing.T) {
	c := NewSimple[int]()
	defer c.Close()

	created, err := c.Set("a", 1)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = c.Set("a", 2)
	require.NoError(t, err)
	assert.False(t, created)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	existed, err := c.Delete("a")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, 0, c.Size())
}

func TestSimpleCacheRejectsEmptyKey(t *testing.T) {
	c := NewSimple[string]()
	defer c.Close()

	_, err := c.Set("", "x")
	assert.Error(t, err)
}

func TestSetIfAbsent(t *testing.T) {
	c := NewSimple[string]()
	defer c.Close()

	stored, err := c.SetIfAbsent("k", "first")
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = c.SetIfAbsent("k", "second")
	require.NoError(t, err)
	assert.False(t, stored)

	v, _ := c.Get("k")
	assert.Equal(t, "first", v)
}

func TestTTLCacheExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewTTL[string](ctx, 30*time.Millisecond, 10*time.Millisecond)
	defer c.Close()

	_, err := c.Set("k", "v")
	require.NoError(t, err)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	assert.Eventually(t, func() bool {
		_, ok := c.Get("k")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestTTLSetIfAbsentReclaimsExpiredSlot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Long cleanup interval so only lazy expiry applies.
	c := NewTTL[int](ctx, 20*time.Millisecond, time.Hour)
	defer c.Close()

	stored, err := c.SetIfAbsent("k", 1)
	require.NoError(t, err)
	require.True(t, stored)

	time.Sleep(30 * time.Millisecond)

	stored, err = c.SetIfAbsent("k", 2)
	require.NoError(t, err)
	assert.True(t, stored, "expired entry should not block insert")

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestTTLEvictCallbackOnSweep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	evictedCh := make(chan string, 1)
	c := NewTTL[int](ctx, 10*time.Millisecond, 5*time.Millisecond,
		WithEvictCallback[int](func(key string, _ int) { evictedCh <- key }))
	defer c.Close()

	_, err := c.Set("gone", 1)
	require.NoError(t, err)

	select {
	case key := <-evictedCh:
		assert.Equal(t, "gone", key)
	case <-time.After(time.Second):
		t.Fatal("evict callback never fired")
	}
}

func TestStatisticsHitRate(t *testing.T) {
	c := NewSimple[int]()
	defer c.Close()

	_, _ = c.Set("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("b")

	snap := c.Stats().Snapshot()
	assert.Equal(t, int64(2), snap.Hits)
	assert.Equal(t, int64(1), snap.Misses)
	assert.InDelta(t, 0.666, c.Stats().HitRate(), 0.01)
}
