// Package broker provides the message-broker push ingestion adapter: site
// controllers publish reading envelopes to a NATS subject and the adapter
// feeds them to the ingest pipeline.
package broker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360/growplane/component"
	"github.com/c360/growplane/errors"
	"github.com/c360/growplane/ingest"
	"github.com/c360/growplane/natsclient"
)

// DefaultSubject is the wildcard subject site controllers publish to.
const DefaultSubject = "ingest.readings.>"

// Config holds broker adapter configuration.
type Config struct {
	Subject string `json:"subject"`
}

// Input is the broker push ingestion adapter.
type Input struct {
	subject  string
	client   *natsclient.Client
	pipeline *ingest.Pipeline
	logger   *slog.Logger

	running   atomic.Bool
	startTime time.Time

	received  atomic.Int64
	malformed atomic.Int64
	lastError atomic.Value // stores string
}

var _ component.LifecycleComponent = (*Input)(nil)

// NewInput creates the broker adapter.
func NewInput(cfg Config, client *natsclient.Client, pipeline *ingest.Pipeline, logger *slog.Logger) *Input {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Input{
		subject:  cfg.Subject,
		client:   client,
		pipeline: pipeline,
		logger:   logger.With("component", "broker-input"),
	}
}

// Meta implements component.Discoverable
func (i *Input) Meta() component.Metadata {
	return component.Metadata{
		Name:        "broker-input",
		Type:        "input",
		Description: "NATS push reading ingestion adapter",
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable
func (i *Input) Health() component.HealthStatus {
	status := component.HealthStatus{
		Healthy:    i.running.Load() && i.client.IsHealthy(),
		LastCheck:  time.Now(),
		ErrorCount: int(i.malformed.Load()),
	}
	if lastErr, ok := i.lastError.Load().(string); ok {
		status.LastError = lastErr
	}
	if i.running.Load() {
		status.Uptime = time.Since(i.startTime)
	}
	return status
}

// Initialize implements component.LifecycleComponent
func (i *Input) Initialize() error {
	if i.client == nil || i.pipeline == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "Input", "Initialize", "nats client and ingest pipeline are required")
	}
	return nil
}

// Start subscribes to the configured subject.
func (i *Input) Start(ctx context.Context) error {
	if i.running.Load() {
		return errors.ErrAlreadyStarted
	}
	if err := i.client.Subscribe(ctx, i.subject, i.handleMessage); err != nil {
		return errors.WrapTransient(err, "Input", "Start", "subscribe "+i.subject)
	}
	i.running.Store(true)
	i.startTime = time.Now()
	i.logger.Info("broker adapter subscribed", "subject", i.subject)
	return nil
}

// Stop marks the adapter stopped. The subscription itself is drained when
// the shared client closes.
func (i *Input) Stop(_ time.Duration) error {
	i.running.Store(false)
	return nil
}

func (i *Input) handleMessage(ctx context.Context, data []byte) {
	i.received.Add(1)

	env, err := ingest.ParseEnvelope(data)
	if err != nil {
		// Malformed payloads fail fast; nothing partial is ingested.
		i.malformed.Add(1)
		i.lastError.Store(err.Error())
		i.logger.Warn("malformed envelope", "subject", i.subject, "error", err)
		return
	}

	result, err := i.pipeline.Ingest(ctx, env.StreamID, env.Readings)
	if err != nil {
		i.lastError.Store(err.Error())
		i.logger.Warn("envelope rejected",
			"subject", i.subject,
			"stream_id", env.StreamID,
			"error", err)
		return
	}
	i.logger.Debug("envelope ingested",
		"stream_id", env.StreamID,
		"accepted", result.Accepted,
		"rejected", result.Rejected,
		"duplicate", result.Duplicate)
}
