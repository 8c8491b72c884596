// Package storage defines the narrow interfaces through which the control
// plane talks to its external collaborators (time-series store, stream
// configuration store, notification dispatcher, device transport, identity
// provider), plus NATS-backed and in-memory implementations.
//
// Persistence internals are out of scope for the control plane; these
// interfaces are the whole contract.
package storage

import (
	"context"
	"time"

	"github.com/c360/growplane/types"
)

// TimeSeriesStore owns reading persistence and rollup computation.
type TimeSeriesStore interface {
	// WriteReading persists an accepted reading. Returns
	// errors.ErrDuplicateKey when a reading with the same
	// (stream, source timestamp) is already stored, which backs the
	// pipeline's no-message-id dedup path.
	WriteReading(ctx context.Context, reading types.Reading) error

	// QueryReadings returns readings for a stream in [from, to), oldest
	// first.
	QueryReadings(ctx context.Context, streamID string, from, to time.Time) ([]types.Reading, error)

	// QueryRollups returns precomputed rollups for a stream in [from, to).
	QueryRollups(ctx context.Context, streamID string, from, to time.Time) ([]types.Rollup, error)
}

// StreamStore is the stream configuration store. The ingest pipeline and
// alert engine only read it; writes come from the configuration API.
type StreamStore interface {
	GetStream(ctx context.Context, id string) (*types.Stream, error)
	ListStreams(ctx context.Context, siteID string) ([]types.Stream, error)
	PutStream(ctx context.Context, stream *types.Stream) error
	// DeactivateStream clears the active flag; streams are never hard-deleted.
	DeactivateStream(ctx context.Context, id string) error
}

// RuleStore persists alert rule definitions.
type RuleStore interface {
	GetRule(ctx context.Context, id string) (*types.AlertRule, error)
	ListRules(ctx context.Context, siteID string) ([]types.AlertRule, error)
	PutRule(ctx context.Context, rule *types.AlertRule) error
	DeleteRule(ctx context.Context, id string) error
}

// Notifier dispatches a fired alert to a configured channel. Called
// fire-and-forget from the alert engine's worker pool, never inline with
// ingestion.
type Notifier interface {
	Send(ctx context.Context, channel string, instance types.AlertInstance) error
}

// DeviceTransport delivers a command payload to the equipment controller.
// A nil error is the transport-level ack; command-level acknowledgement
// arrives asynchronously through the outbox's ack path.
type DeviceTransport interface {
	SendCommand(ctx context.Context, equipmentID string, payload []byte) error
}

// SiteProvider supplies the tenant/site scoping for every call.
type SiteProvider interface {
	SiteContext(ctx context.Context) (types.SiteContext, error)
}
