package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/c360/growplane/errors"
	"github.com/c360/growplane/types"
)

// MemoryTimeSeries is an in-memory TimeSeriesStore used in tests and
// single-node development. Enforces the (stream, source timestamp)
// uniqueness the production store guarantees.
type MemoryTimeSeries struct {
	mu       sync.RWMutex
	readings map[string][]types.Reading // streamID -> readings, unsorted
	keys     map[string]struct{}        // streamID|sourceTS
	rollups  map[string][]types.Rollup
}

// NewMemoryTimeSeries creates an empty in-memory time-series store.
func NewMemoryTimeSeries() *MemoryTimeSeries {
	return &MemoryTimeSeries{
		readings: make(map[string][]types.Reading),
		keys:     make(map[string]struct{}),
		rollups:  make(map[string][]types.Rollup),
	}
}

// WriteReading implements TimeSeriesStore
func (m *MemoryTimeSeries) WriteReading(_ context.Context, reading types.Reading) error {
	key := reading.StreamID + "|" + reading.SourceTime.UTC().Format(time.RFC3339Nano)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.keys[key]; exists {
		return errors.WrapInvalid(errors.ErrDuplicateKey, "MemoryTimeSeries", "WriteReading", key)
	}
	m.keys[key] = struct{}{}
	m.readings[reading.StreamID] = append(m.readings[reading.StreamID], reading)
	return nil
}

// QueryReadings implements TimeSeriesStore
func (m *MemoryTimeSeries) QueryReadings(_ context.Context, streamID string, from, to time.Time) ([]types.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.Reading
	for _, r := range m.readings[streamID] {
		if !r.SourceTime.Before(from) && r.SourceTime.Before(to) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceTime.Before(out[j].SourceTime) })
	return out, nil
}

// QueryRollups implements TimeSeriesStore
func (m *MemoryTimeSeries) QueryRollups(_ context.Context, streamID string, from, to time.Time) ([]types.Rollup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.Rollup
	for _, r := range m.rollups[streamID] {
		if !r.BucketStart.Before(from) && r.BucketStart.Before(to) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out, nil
}

// SeedRollup adds a rollup bucket (test helper; the production store
// computes its own).
func (m *MemoryTimeSeries) SeedRollup(rollup types.Rollup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollups[rollup.StreamID] = append(m.rollups[rollup.StreamID], rollup)
}

// Count returns the number of stored readings for a stream.
func (m *MemoryTimeSeries) Count(streamID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.readings[streamID])
}

// MemoryStreamStore is an in-memory StreamStore.
type MemoryStreamStore struct {
	mu      sync.RWMutex
	streams map[string]types.Stream
}

// NewMemoryStreamStore creates an empty in-memory stream store.
func NewMemoryStreamStore() *MemoryStreamStore {
	return &MemoryStreamStore{streams: make(map[string]types.Stream)}
}

// GetStream implements StreamStore
func (m *MemoryStreamStore) GetStream(_ context.Context, id string) (*types.Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.streams[id]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "MemoryStreamStore", "GetStream", id)
	}
	out := s
	return &out, nil
}

// ListStreams implements StreamStore
func (m *MemoryStreamStore) ListStreams(_ context.Context, siteID string) ([]types.Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.Stream
	for _, s := range m.streams {
		if siteID == "" || s.SiteID == siteID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutStream implements StreamStore
func (m *MemoryStreamStore) PutStream(_ context.Context, stream *types.Stream) error {
	if err := stream.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[stream.ID] = *stream
	return nil
}

// DeactivateStream implements StreamStore
func (m *MemoryStreamStore) DeactivateStream(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[id]
	if !ok {
		return errors.WrapInvalid(errors.ErrKeyNotFound, "MemoryStreamStore", "DeactivateStream", id)
	}
	s.Active = false
	s.UpdatedAt = time.Now().UTC()
	m.streams[id] = s
	return nil
}

// MemoryRuleStore is an in-memory RuleStore.
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]types.AlertRule
}

// NewMemoryRuleStore creates an empty in-memory rule store.
func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: make(map[string]types.AlertRule)}
}

// GetRule implements RuleStore
func (m *MemoryRuleStore) GetRule(_ context.Context, id string) (*types.AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrRuleNotFound, "MemoryRuleStore", "GetRule", id)
	}
	out := r
	return &out, nil
}

// ListRules implements RuleStore
func (m *MemoryRuleStore) ListRules(_ context.Context, siteID string) ([]types.AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.AlertRule
	for _, r := range m.rules {
		if siteID == "" || r.SiteID == siteID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutRule implements RuleStore. Invalid rules are rejected here so they
// never reach evaluation.
func (m *MemoryRuleStore) PutRule(_ context.Context, rule *types.AlertRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = *rule
	return nil
}

// DeleteRule implements RuleStore
func (m *MemoryRuleStore) DeleteRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[id]; !ok {
		return errors.WrapInvalid(errors.ErrRuleNotFound, "MemoryRuleStore", "DeleteRule", id)
	}
	delete(m.rules, id)
	return nil
}

// RecordingNotifier records sent notifications for tests.
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []SentNotification
	// Err, when set, is returned from Send.
	Err error
}

// SentNotification is one recorded Send call.
type SentNotification struct {
	Channel  string
	Instance types.AlertInstance
}

// Send implements Notifier
func (n *RecordingNotifier) Send(_ context.Context, channel string, instance types.AlertInstance) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.sent = append(n.sent, SentNotification{Channel: channel, Instance: instance})
	return nil
}

// Sent returns a copy of recorded notifications.
func (n *RecordingNotifier) Sent() []SentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]SentNotification, len(n.sent))
	copy(out, n.sent)
	return out
}

// StaticSiteProvider returns a fixed site context.
type StaticSiteProvider struct {
	Ctx types.SiteContext
}

// SiteContext implements SiteProvider
func (p *StaticSiteProvider) SiteContext(context.Context) (types.SiteContext, error) {
	return p.Ctx, nil
}
