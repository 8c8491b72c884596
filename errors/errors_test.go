package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"unknown stream is invalid", ErrUnknownStream, ErrorInvalid},
		{"empty batch is invalid", ErrEmptyBatch, ErrorInvalid},
		{"bad threshold is invalid", ErrInvalidThreshold, ErrorInvalid},
		{"lost connection is transient", ErrConnectionLost, ErrorTransient},
		{"deadline is transient", context.DeadlineExceeded, ErrorTransient},
		{"missing config is fatal", ErrMissingConfig, ErrorFatal},
		{"unknown errors default to transient", stderrors.New("boom"), ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestWrapPreservesSentinel(t *testing.T) {
	err := Wrap(ErrUnknownStream, "Pipeline", "Ingest", "stream lookup")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrUnknownStream))
	assert.Contains(t, err.Error(), "Pipeline.Ingest")
}

func TestWrapClassifiedUnwraps(t *testing.T) {
	inner := fmt.Errorf("nats: %w", ErrConnectionTimeout)
	err := WrapTransient(inner, "Outbox", "dispatch", "device send")

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, ErrorTransient, ce.Class)
	assert.Equal(t, "Outbox", ce.Component)
	assert.True(t, stderrors.Is(err, ErrConnectionTimeout))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "a", "b", "c"))
	assert.NoError(t, WrapInvalid(nil, "a", "b", "c"))
	assert.NoError(t, WrapTransient(nil, "a", "b", "c"))
	assert.NoError(t, WrapFatal(nil, "a", "b", "c"))
}

func TestIsTransientPatternMatch(t *testing.T) {
	assert.True(t, IsTransient(stderrors.New("dial tcp: connection refused")))
	assert.True(t, IsTransient(stderrors.New("request timeout")))
	assert.False(t, IsTransient(ErrInvalidThreshold))
	assert.False(t, IsTransient(nil))
}

func TestClassifiedOverridesHeuristics(t *testing.T) {
	// A classified error wins over message pattern matching.
	err := WrapInvalid(stderrors.New("connection string malformed"), "Config", "Load", "parse")
	assert.False(t, IsTransient(err))
	assert.True(t, IsInvalid(err))
}
