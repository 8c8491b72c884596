package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/growplane/errors"
	"github.com/c360/growplane/storage"
	"github.com/c360/growplane/stream"
	"github.com/c360/growplane/types"
)

type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *capturePublisher) Publish(_ context.Context, subject string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

type captureEvaluator struct {
	mu       sync.Mutex
	readings []types.Reading
}

func (e *captureEvaluator) OnReading(_ context.Context, _ *types.Stream, reading types.Reading) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.readings = append(e.readings, reading)
}

func newTestPipeline(t *testing.T) (*Pipeline, *storage.MemoryTimeSeries, *capturePublisher, *captureEvaluator) {
	t.Helper()
	ctx := context.Background()

	streams := storage.NewMemoryStreamStore()
	require.NoError(t, streams.PutStream(ctx, &types.Stream{
		ID:          "temp-veg-1",
		SiteID:      "site-1",
		EquipmentID: "sensor-1",
		Name:        "Veg room 1 temperature",
		Unit:        types.UnitCelsius,
		Active:      true,
	}))
	require.NoError(t, streams.PutStream(ctx, &types.Stream{
		ID:     "retired",
		SiteID: "site-1",
		Unit:   types.UnitCelsius,
		Active: false,
	}))

	store := storage.NewMemoryTimeSeries()
	pub := &capturePublisher{}
	eval := &captureEvaluator{}
	p := NewPipeline(ctx, Deps{
		Streams:   stream.NewRegistry(ctx, stream.Deps{Store: streams}),
		Store:     store,
		Publisher: pub,
		Evaluator: eval,
	})
	t.Cleanup(func() { p.Close() })
	return p, store, pub, eval
}

func TestIngestAcceptsValidBatch(t *testing.T) {
	p, store, pub, eval := newTestPipeline(t)
	ctx := context.Background()
	now := time.Now().UTC()

	result, err := p.Ingest(ctx, "temp-veg-1", []types.Reading{
		{Value: 24.5, SourceTime: now.Add(-time.Second)},
		{Value: 25.1, SourceTime: now},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Accepted)
	assert.Zero(t, result.Rejected)
	assert.Zero(t, result.Duplicate)

	stored, err := store.QueryReadings(ctx, "temp-veg-1", now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, r := range stored {
		assert.Equal(t, types.QualityGood, r.Quality)
		assert.False(t, r.IngestTime.IsZero())
	}

	assert.Len(t, pub.subjects, 2)
	assert.Equal(t, "telemetry.reading.temp-veg-1", pub.subjects[0])
	assert.Len(t, eval.readings, 2)
}

func TestIngestStructuralFailures(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := p.Ingest(ctx, "temp-veg-1", nil)
	assert.ErrorIs(t, err, errors.ErrEmptyBatch)

	big := make([]types.Reading, DefaultMaxBatchSize+1)
	for i := range big {
		big[i] = types.Reading{Value: 20, SourceTime: now}
	}
	_, err = p.Ingest(ctx, "temp-veg-1", big)
	assert.ErrorIs(t, err, errors.ErrBatchTooLarge)

	_, err = p.Ingest(ctx, "nope", []types.Reading{{Value: 20, SourceTime: now}})
	assert.ErrorIs(t, err, errors.ErrUnknownStream)

	_, err = p.Ingest(ctx, "retired", []types.Reading{{Value: 20, SourceTime: now}})
	assert.ErrorIs(t, err, errors.ErrStreamInactive)
}

func TestIngestRejectsBadReadingsWithoutFailingBatch(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	ctx := context.Background()
	now := time.Now().UTC()

	nan := 0.0
	result, err := p.Ingest(ctx, "temp-veg-1", []types.Reading{
		{Value: nan / nan, SourceTime: now},                           // NaN
		{Value: 21, SourceTime: time.Time{}},                          // missing timestamp
		{Value: 21, SourceTime: now.Add(-91 * 24 * time.Hour)},        // too old
		{Value: 21, SourceTime: now.Add(10 * time.Minute)},            // future beyond skew
		{Value: 21, SourceTime: now, Quality: types.QualityCode("x")}, // unknown quality
		{Value: 22.5, SourceTime: now},                                // valid
	})
	require.NoError(t, err)
	assert.Equal(t, 6, result.Total)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 5, result.Rejected)
}

func TestIngestAcceptsReadingsInsideTimestampWindows(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	ctx := context.Background()
	now := time.Now().UTC()

	result, err := p.Ingest(ctx, "temp-veg-1", []types.Reading{
		{Value: 21, SourceTime: now.Add(-89 * 24 * time.Hour)}, // old but inside the past window
		{Value: 21, SourceTime: now.Add(4 * time.Minute)},      // future but inside the skew allowance
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Accepted)
	assert.Zero(t, result.Rejected)
}

// flakyStore fails a configurable number of writes before delegating.
type flakyStore struct {
	*storage.MemoryTimeSeries
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) WriteReading(ctx context.Context, reading types.Reading) error {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return errors.WrapTransient(errors.ErrStorageUnavailable, "flakyStore", "WriteReading", reading.StreamID)
	}
	return s.MemoryTimeSeries.WriteReading(ctx, reading)
}

func TestStorageFailureRollsBackDedupKey(t *testing.T) {
	ctx := context.Background()
	streams := storage.NewMemoryStreamStore()
	require.NoError(t, streams.PutStream(ctx, &types.Stream{
		ID:     "temp-veg-1",
		SiteID: "site-1",
		Unit:   types.UnitCelsius,
		Active: true,
	}))

	store := &flakyStore{MemoryTimeSeries: storage.NewMemoryTimeSeries(), failures: 1}
	p := NewPipeline(ctx, Deps{
		Streams: stream.NewRegistry(ctx, stream.Deps{Store: streams}),
		Store:   store,
	})
	t.Cleanup(func() { p.Close() })

	now := time.Now().UTC()
	batch := []types.Reading{{Value: 24.5, SourceTime: now, MessageID: "msg-1"}}

	// The write fails transiently; the whole call fails so at-least-once
	// adapters can Nak and redeliver.
	_, err := p.Ingest(ctx, "temp-veg-1", batch)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	// Redelivery must not be absorbed as a duplicate: the dedup key was
	// rolled back when persistence failed.
	result, err := p.Ingest(ctx, "temp-veg-1", batch)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Zero(t, result.Duplicate)
}

func TestIngestIdempotent(t *testing.T) {
	p, store, _, eval := newTestPipeline(t)
	ctx := context.Background()
	now := time.Now().UTC()

	batch := []types.Reading{
		{Value: 24.5, SourceTime: now, MessageID: "msg-1"},
		{Value: 25.0, SourceTime: now.Add(time.Second)},
	}

	first, err := p.Ingest(ctx, "temp-veg-1", batch)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Accepted)

	// Redelivery of the identical batch: every reading is a duplicate, none
	// is stored or re-evaluated.
	second, err := p.Ingest(ctx, "temp-veg-1", batch)
	require.NoError(t, err)
	assert.Zero(t, second.Accepted)
	assert.Equal(t, 2, second.Duplicate)

	stored, err := store.QueryReadings(ctx, "temp-veg-1", now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	assert.Len(t, eval.readings, 2)
}

func TestIngestQualityTagging(t *testing.T) {
	p, _, _, eval := newTestPipeline(t)
	ctx := context.Background()
	now := time.Now().UTC()

	result, err := p.Ingest(ctx, "temp-veg-1", []types.Reading{
		{Value: 24.5, SourceTime: now},                                                 // good
		{Value: 24.5, SourceTime: now.Add(-20 * time.Minute)},                          // stale
		{Value: 150, SourceTime: now.Add(time.Second)},                                 // out of nominal bounds
		{Value: 24.5, SourceTime: now.Add(2 * time.Second), Quality: types.QualityBad}, // adapter-tagged
	})
	require.NoError(t, err)
	assert.Equal(t, 4, result.Accepted)

	qualities := make([]types.QualityCode, 0, len(eval.readings))
	for _, r := range eval.readings {
		qualities = append(qualities, r.Quality)
	}
	assert.ElementsMatch(t, []types.QualityCode{
		types.QualityGood, types.QualityStale, types.QualityUncertain, types.QualityBad,
	}, qualities)
}

func TestEquipmentLastSeenTracksAcceptedReadings(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	ctx := context.Background()
	now := time.Now().UTC()

	assert.Empty(t, p.EquipmentLastSeen())

	_, err := p.Ingest(ctx, "temp-veg-1", []types.Reading{{Value: 24, SourceTime: now}})
	require.NoError(t, err)

	seen := p.EquipmentLastSeen()
	require.Contains(t, seen, "sensor-1")
	assert.False(t, seen["sensor-1"].IsZero())
}

func TestLatestIgnoresBackfill(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := p.Ingest(ctx, "temp-veg-1", []types.Reading{{Value: 25, SourceTime: now}})
	require.NoError(t, err)

	// Older reading arrives later; the live value must not move backwards.
	_, err = p.Ingest(ctx, "temp-veg-1", []types.Reading{{Value: 19, SourceTime: now.Add(-time.Hour)}})
	require.NoError(t, err)

	latest, ok := p.Latest("temp-veg-1")
	require.True(t, ok)
	assert.Equal(t, 25.0, latest.Value)
}
