package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	attempts := 0
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoExhaustsAttempts(t *testing.T) {
	attempts := 0
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	sentinel := errors.New("still down")
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return sentinel
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, errors.Is(err, sentinel))
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	err := Do(context.Background(), cfg, func() error {
		attempts++
		return NonRetryable(errors.New("bad request"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, IsNonRetryable(err))
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	cfg := Config{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second}

	err := Do(ctx, cfg, func() error {
		attempts++
		cancel()
		return errors.New("fail")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestDelaySchedule(t *testing.T) {
	cfg := Config{InitialDelay: 2 * time.Second, MaxDelay: 60 * time.Second, Multiplier: 2.0}

	assert.Equal(t, time.Duration(0), cfg.Delay(1))
	assert.Equal(t, 2*time.Second, cfg.Delay(2))
	assert.Equal(t, 4*time.Second, cfg.Delay(3))
	assert.Equal(t, 8*time.Second, cfg.Delay(4))
	// Capped at MaxDelay eventually.
	assert.Equal(t, 60*time.Second, cfg.Delay(10))
}

func TestDoWithResult(t *testing.T) {
	cfg := Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	calls := 0

	v, err := DoWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
