// Package replication provides the replication fan-in adapter: a durable
// JetStream consumer draining reading envelopes replicated from per-site
// edge brokers into the central plane. Unlike the push adapter, delivery
// here is at-least-once; the ingest pipeline's dedup absorbs redeliveries.
package replication

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/growplane/component"
	"github.com/c360/growplane/errors"
	"github.com/c360/growplane/ingest"
	"github.com/c360/growplane/natsclient"
)

// Defaults for the replication stream wiring.
const (
	DefaultStreamName  = "GROWPLANE-REPLICATION"
	DefaultDurableName = "growplane-ingest"
	DefaultSubject     = "replicate.readings.>"
)

// Config holds replication adapter configuration.
type Config struct {
	StreamName  string        `json:"stream_name"`
	DurableName string        `json:"durable_name"`
	Subject     string        `json:"subject"`
	MaxAge      time.Duration `json:"max_age"`
}

// Input is the replication fan-in adapter.
type Input struct {
	cfg      Config
	client   *natsclient.Client
	pipeline *ingest.Pipeline
	logger   *slog.Logger

	running   atomic.Bool
	startTime time.Time

	consumed  atomic.Int64
	malformed atomic.Int64
	lastError atomic.Value // stores string
}

var _ component.LifecycleComponent = (*Input)(nil)

// NewInput creates the replication adapter.
func NewInput(cfg Config, client *natsclient.Client, pipeline *ingest.Pipeline, logger *slog.Logger) *Input {
	if cfg.StreamName == "" {
		cfg.StreamName = DefaultStreamName
	}
	if cfg.DurableName == "" {
		cfg.DurableName = DefaultDurableName
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Input{
		cfg:      cfg,
		client:   client,
		pipeline: pipeline,
		logger:   logger.With("component", "replication-input"),
	}
}

// Meta implements component.Discoverable
func (i *Input) Meta() component.Metadata {
	return component.Metadata{
		Name:        "replication-input",
		Type:        "input",
		Description: "JetStream replication fan-in ingestion adapter",
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

// Start ensures the replication stream exists and attaches the durable
// consumer. Redeliveries after a Nak land on the pipeline's dedup index.
func (i *Input) Start(ctx context.Context) error {
	if i.running.Load() {
		return errors.ErrAlreadyStarted
	}

	_, err := i.client.CreateStream(ctx, jetstream.StreamConfig{
		Name:     i.cfg.StreamName,
		Subjects: []string{i.cfg.Subject},
		Storage:  jetstream.FileStorage,
		MaxAge:   i.cfg.MaxAge,
	})
	if err != nil {
		return err
	}

	if err := i.client.ConsumeStream(ctx, i.cfg.StreamName, i.cfg.DurableName, i.cfg.Subject,
		func(data []byte) error {
			return i.consume(ctx, data)
		}); err != nil {
		return err
	}

	i.running.Store(true)
	i.startTime = time.Now()
	i.logger.Info("replication adapter consuming",
		"stream", i.cfg.StreamName,
		"durable", i.cfg.DurableName,
		"subject", i.cfg.Subject)
	return nil
}

// Stop marks the adapter stopped; the tracked consumer is halted when the
// shared client closes.
func (i *Input) Stop(_ time.Duration) error {
	i.running.Store(false)
	return nil
}

// consume processes one replicated envelope. A nil return acks the message;
// structural failures are acked too (redelivery cannot fix a malformed
// payload) while transient pipeline failures Nak for redelivery.
func (i *Input) consume(ctx context.Context, data []byte) error {
	i.consumed.Add(1)

	env, err := ingest.ParseEnvelope(data)
	if err != nil {
		i.malformed.Add(1)
		i.lastError.Store(err.Error())
		i.logger.Warn("malformed replicated envelope",
			"stream", i.cfg.StreamName, "error", err)
		return nil
	}

	result, err := i.pipeline.Ingest(ctx, env.StreamID, env.Readings)
	if err != nil {
		if errors.IsInvalid(err) {
			i.lastError.Store(err.Error())
			i.logger.Warn("replicated envelope rejected",
				"stream_id", env.StreamID, "error", err)
			return nil
		}
		return err
	}

	i.logger.Debug("replicated envelope ingested",
		"stream_id", env.StreamID,
		"accepted", result.Accepted,
		"duplicate", result.Duplicate)
	return nil
}
