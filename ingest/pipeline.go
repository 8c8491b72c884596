// Package ingest implements the reading ingestion pipeline shared by every
// input adapter. A batch goes through stream resolution, per-reading
// validation, dedup, quality tagging, persistence, and fan-out; failures of
// individual readings never fail the batch.
package ingest

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/c360/growplane/errors"
	"github.com/c360/growplane/pkg/cache"
	"github.com/c360/growplane/storage"
	"github.com/c360/growplane/stream"
	"github.com/c360/growplane/types"
)

const (
	// DefaultMaxBatchSize caps a single ingest call.
	DefaultMaxBatchSize = 1000
	// DefaultStaleAfter is the source-to-ingest lag beyond which a reading
	// is tagged stale.
	DefaultStaleAfter = 15 * time.Minute
	// DefaultPastWindow is how far in the past a source timestamp may lie.
	DefaultPastWindow = 90 * 24 * time.Hour
	// DefaultFutureWindow is the clock-skew allowance for future timestamps.
	DefaultFutureWindow = 5 * time.Minute
	// DefaultDedupTTL is how long a dedup key is remembered.
	DefaultDedupTTL = 24 * time.Hour

	// ReadingSubjectPrefix is the NATS subject prefix for accepted readings.
	ReadingSubjectPrefix = "telemetry.reading."
)

// Publisher publishes accepted readings for live subscribers. Satisfied by
// *natsclient.Client.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Evaluator is notified of every accepted raw reading. Satisfied by the
// alert engine.
type Evaluator interface {
	OnReading(ctx context.Context, stream *types.Stream, reading types.Reading)
}

// IngestResult summarizes one batch.
type IngestResult struct {
	Total     int           `json:"total"`
	Accepted  int           `json:"accepted"`
	Rejected  int           `json:"rejected"`
	Duplicate int           `json:"duplicate"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Deps carries the pipeline's dependencies.
type Deps struct {
	Streams   *stream.Registry
	Store     storage.TimeSeriesStore
	Publisher Publisher
	Evaluator Evaluator // optional
	Metrics   *Metrics  // optional
	Logger    *slog.Logger

	MaxBatchSize int
	StaleAfter   time.Duration
	PastWindow   time.Duration
	FutureWindow time.Duration
	DedupTTL     time.Duration
}

// Pipeline validates, deduplicates, tags, persists, and fans out readings.
type Pipeline struct {
	streams   *stream.Registry
	store     storage.TimeSeriesStore
	publisher Publisher
	evaluator Evaluator
	metrics   *Metrics
	logger    *slog.Logger

	dedup    cache.Cache[struct{}]
	latest   cache.Cache[types.Reading]
	lastSeen cache.Cache[time.Time] // equipment id -> last accepted ingest time

	maxBatchSize int
	staleAfter   time.Duration
	pastWindow   time.Duration
	futureWindow time.Duration
}

// NewPipeline creates an ingest pipeline. The context bounds the lifetime of
// the dedup index janitor.
func NewPipeline(ctx context.Context, deps Deps) *Pipeline {
	if deps.MaxBatchSize <= 0 {
		deps.MaxBatchSize = DefaultMaxBatchSize
	}
	if deps.StaleAfter <= 0 {
		deps.StaleAfter = DefaultStaleAfter
	}
	if deps.PastWindow <= 0 {
		deps.PastWindow = DefaultPastWindow
	}
	if deps.FutureWindow <= 0 {
		deps.FutureWindow = DefaultFutureWindow
	}
	if deps.DedupTTL <= 0 {
		deps.DedupTTL = DefaultDedupTTL
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Pipeline{
		streams:      deps.Streams,
		store:        deps.Store,
		publisher:    deps.Publisher,
		evaluator:    deps.Evaluator,
		metrics:      deps.Metrics,
		logger:       deps.Logger.With("component", "ingest-pipeline"),
		dedup:        cache.NewTTL[struct{}](ctx, deps.DedupTTL, time.Hour),
		latest:       cache.NewSimple[types.Reading](),
		lastSeen:     cache.NewSimple[time.Time](),
		maxBatchSize: deps.MaxBatchSize,
		staleAfter:   deps.StaleAfter,
		pastWindow:   deps.PastWindow,
		futureWindow: deps.FutureWindow,
	}
}

// Ingest processes one batch for a stream. Structural problems (empty batch,
// oversize batch, unknown or inactive stream) and transient storage failures
// fail the whole call; other per-reading problems are counted in the result
// and never returned as errors.
func (p *Pipeline) Ingest(ctx context.Context, streamID string, readings []types.Reading) (IngestResult, error) {
	start := time.Now()
	result := IngestResult{Total: len(readings)}

	if len(readings) == 0 {
		return result, errors.WrapInvalid(errors.ErrEmptyBatch, "Pipeline", "Ingest", "validate batch")
	}
	if len(readings) > p.maxBatchSize {
		return result, errors.WrapInvalid(errors.ErrBatchTooLarge, "Pipeline", "Ingest", "validate batch")
	}

	strm, err := p.streams.ResolveActive(ctx, streamID)
	if err != nil {
		return result, err
	}

	for i := range readings {
		reading := readings[i]
		reading.StreamID = streamID
		reading.IngestTime = time.Now().UTC()

		if rejectReason := p.validate(&reading); rejectReason != "" {
			result.Rejected++
			p.metrics.recordRejected(rejectReason)
			p.logger.Debug("reading rejected",
				"stream_id", streamID, "reason", rejectReason)
			continue
		}

		stored, _ := p.dedup.SetIfAbsent(reading.DedupKey(), struct{}{})
		if !stored {
			result.Duplicate++
			p.metrics.recordDuplicate()
			continue
		}

		p.tagQuality(strm, &reading)

		if err := p.store.WriteReading(ctx, reading); err != nil {
			if stderrors.Is(err, errors.ErrDuplicateKey) {
				// The TTL index missed it (e.g. after restart) but the
				// store's uniqueness constraint caught it.
				result.Duplicate++
				p.metrics.recordDuplicate()
				continue
			}
			// The dedup key marks accepted readings only; roll it back so
			// a redelivery of this reading can still land.
			_, _ = p.dedup.Delete(reading.DedupKey())
			if errors.IsTransient(err) {
				// Fail the batch so at-least-once adapters Nak and
				// redeliver; committed keys of readings accepted earlier
				// in the batch absorb their copies.
				result.Elapsed = time.Since(start)
				return result, errors.WrapTransient(err, "Pipeline", "Ingest", "persist reading")
			}
			result.Rejected++
			p.metrics.recordRejected("storage")
			p.logger.Error("failed to persist reading",
				"stream_id", streamID, "error", err)
			continue
		}

		result.Accepted++
		p.metrics.recordAccepted(string(reading.Quality))
		p.updateLatest(reading)
		if strm.EquipmentID != "" {
			_, _ = p.lastSeen.Set(strm.EquipmentID, reading.IngestTime)
		}
		p.fanOut(ctx, strm, reading)
	}

	result.Elapsed = time.Since(start)
	p.metrics.observeBatch(result.Elapsed)
	p.logger.Info("batch ingested",
		"stream_id", streamID,
		"total", result.Total,
		"accepted", result.Accepted,
		"rejected", result.Rejected,
		"duplicate", result.Duplicate,
		"elapsed", result.Elapsed)
	return result, nil
}

// validate returns a rejection reason, or "" for a valid reading.
func (p *Pipeline) validate(reading *types.Reading) string {
	if !reading.FiniteValue() {
		return "non_finite_value"
	}
	if reading.SourceTime.IsZero() {
		return "missing_timestamp"
	}
	if reading.SourceTime.Before(reading.IngestTime.Add(-p.pastWindow)) {
		return "timestamp_too_old"
	}
	if reading.SourceTime.After(reading.IngestTime.Add(p.futureWindow)) {
		return "timestamp_in_future"
	}
	if reading.Quality != "" && !reading.Quality.Valid() {
		return "invalid_quality"
	}
	return ""
}

// tagQuality assigns the reading's quality code. An adapter-supplied Bad or
// Uncertain tag is kept; otherwise staleness wins over bounds checks.
func (p *Pipeline) tagQuality(strm *types.Stream, reading *types.Reading) {
	if reading.Quality == types.QualityBad || reading.Quality == types.QualityUncertain {
		return
	}
	if reading.IngestTime.Sub(reading.SourceTime) > p.staleAfter {
		reading.Quality = types.QualityStale
		return
	}
	min, max := strm.Unit.NominalBounds()
	if reading.Value < min || reading.Value > max {
		reading.Quality = types.QualityUncertain
		return
	}
	reading.Quality = types.QualityGood
}

func (p *Pipeline) updateLatest(reading types.Reading) {
	prev, ok := p.latest.Get(reading.StreamID)
	if ok && prev.SourceTime.After(reading.SourceTime) {
		// Late-arriving backfill must not clobber the live value.
		return
	}
	_, _ = p.latest.Set(reading.StreamID, reading)
}

// Latest returns the most recent accepted reading for a stream.
func (p *Pipeline) Latest(streamID string) (types.Reading, bool) {
	return p.latest.Get(streamID)
}

// EquipmentLastSeen returns, per equipment id, the ingest time of its most
// recently accepted reading. Feeds the device-timeout interlock.
func (p *Pipeline) EquipmentLastSeen() map[string]time.Time {
	keys := p.lastSeen.Keys()
	out := make(map[string]time.Time, len(keys))
	for _, k := range keys {
		if ts, ok := p.lastSeen.Get(k); ok {
			out[k] = ts
		}
	}
	return out
}

func (p *Pipeline) fanOut(ctx context.Context, strm *types.Stream, reading types.Reading) {
	if p.publisher != nil {
		data, err := json.Marshal(reading)
		if err == nil {
			if err := p.publisher.Publish(ctx, ReadingSubjectPrefix+reading.StreamID, data); err != nil {
				p.logger.Warn("failed to publish reading",
					"stream_id", reading.StreamID, "error", err)
			}
		}
	}
	if p.evaluator != nil {
		p.evaluator.OnReading(ctx, strm, reading)
	}
}

// DedupStats exposes dedup index cache statistics.
func (p *Pipeline) DedupStats() cache.Snapshot {
	return p.dedup.Stats().Snapshot()
}

// Close releases the pipeline's caches.
func (p *Pipeline) Close() error {
	if err := p.dedup.Close(); err != nil {
		return err
	}
	if err := p.latest.Close(); err != nil {
		return err
	}
	return p.lastSeen.Close()
}
