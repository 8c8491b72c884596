package natsclient

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
}

func TestNewClientOptionValidation(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithReconnectWait(-time.Second))
	assert.Error(t, err)

	_, err = NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(0))
	assert.Error(t, err)

	_, err = NewClient("nats://localhost:4222", WithLogger(nil))
	assert.Error(t, err)

	_, err = NewClient("nats://localhost:4222",
		WithLogger(slog.Default()),
		WithName("growplane-test"),
		WithMaxReconnects(3),
		WithTimeout(time.Second),
	)
	assert.NoError(t, err)
}

func TestPublishWithoutConnection(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.ErrorIs(t, c.Publish(context.Background(), "telemetry.reading.s1", []byte("{}")), ErrNotConnected)

	_, err = c.JetStream()
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithCircuitBreakerThreshold(3),
		WithMaxBackoff(time.Minute),
	)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		c.recordFailure()
	}
	assert.Equal(t, StatusCircuitOpen, c.Status())

	// A connect attempt while open is refused outright.
	assert.ErrorIs(t, c.Connect(context.Background()), ErrCircuitOpen)

	c.resetCircuit()
	assert.Equal(t, int32(0), c.failures.Load())
}

func TestCloseIsIdempotent(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
}
