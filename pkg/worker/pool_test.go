package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesSubmittedWork(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool(2, 10, func(_ context.Context, n int) error {
		processed.Add(int64(n))
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))
	for i := 1; i <= 5; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, int64(15), processed.Load())
	stats := pool.Stats()
	assert.Equal(t, int64(5), stats.Submitted)
	assert.Equal(t, int64(5), stats.Processed)
	assert.Equal(t, int64(0), stats.Dropped)
}

func TestPoolSubmitBeforeStart(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, int) error { return nil })
	err := pool.Submit(1)
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

func TestPoolDropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-block
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	// First item occupies the worker, second fills the queue; one more must drop.
	require.NoError(t, pool.Submit(1))
	// The worker may not have picked up item 1 yet; keep submitting until full.
	dropped := false
	for i := 0; i < 3; i++ {
		if err := pool.Submit(i); errors.Is(err, ErrQueueFull) {
			dropped = true
			break
		}
	}
	assert.True(t, dropped)
	assert.Positive(t, pool.Stats().Dropped)

	close(block)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPoolCountsFailures(t *testing.T) {
	pool := NewPool(1, 4, func(_ context.Context, fail bool) error {
		if fail {
			return errors.New("processing failed")
		}
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(true))
	require.NoError(t, pool.Submit(false))
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestPoolDoubleStart(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, int) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
	require.NoError(t, pool.Stop(time.Second))
}
