package alert

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/growplane/errors"
	"github.com/c360/growplane/storage"
	"github.com/c360/growplane/types"
)

type engineFixture struct {
	engine   *Engine
	store    *storage.MemoryTimeSeries
	rules    *storage.MemoryRuleStore
	notifier *storage.RecordingNotifier
	stream   *types.Stream
	clock    time.Time
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:    storage.NewMemoryTimeSeries(),
		rules:    storage.NewMemoryRuleStore(),
		notifier: &storage.RecordingNotifier{},
		stream: &types.Stream{
			ID:     "temp-veg-1",
			SiteID: "site-1",
			Unit:   types.UnitCelsius,
			Active: true,
		},
		clock: time.Now().UTC(),
	}
	f.engine = NewEngine(Deps{
		Rules:    f.rules,
		Store:    f.store,
		Notifier: f.notifier,
	})
	f.engine.now = func() time.Time { return f.clock }
	require.NoError(t, f.engine.Initialize())
	require.NoError(t, f.engine.Start(context.Background()))
	t.Cleanup(func() { f.engine.Stop(time.Second) })
	return f
}

func (f *engineFixture) putRule(t *testing.T, rule types.AlertRule) {
	t.Helper()
	require.NoError(t, f.rules.PutRule(context.Background(), &rule))
}

// feed persists a reading at the fixture clock and triggers evaluation.
func (f *engineFixture) feed(t *testing.T, value float64) {
	t.Helper()
	reading := types.Reading{
		StreamID:   f.stream.ID,
		Value:      value,
		SourceTime: f.clock,
		IngestTime: f.clock,
		Quality:    types.QualityGood,
	}
	require.NoError(t, f.store.WriteReading(context.Background(), reading))
	f.engine.OnReading(context.Background(), f.stream, reading)
}

func highRule() types.AlertRule {
	return types.AlertRule{
		ID:        "rule-high-temp",
		SiteID:    "site-1",
		Name:      "Veg room over temperature",
		Type:      types.RuleHigh,
		StreamIDs: []string{"temp-veg-1"},
		Threshold: types.HighThreshold{Limit: 30, Consecutive: 2},
		Window:    10 * time.Minute,
		Cooldown:  15 * time.Minute,
		Severity:  types.SeverityCritical,
		Channels:  []string{"ops-pager"},
		Active:    true,
	}
}

func TestFireOnConsecutiveBreach(t *testing.T) {
	f := newFixture(t)
	f.putRule(t, highRule())

	f.feed(t, 31.0)
	assert.Empty(t, f.engine.ActiveAlerts(), "one breach is not enough for consecutive=2")

	f.clock = f.clock.Add(time.Minute)
	f.feed(t, 32.5)

	active := f.engine.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "rule-high-temp", active[0].RuleID)
	assert.Equal(t, 32.5, active[0].ObservedValue)
	assert.Equal(t, 30.0, active[0].ThresholdValue)
	assert.Equal(t, types.SeverityCritical, active[0].Severity)

	// A further breach while an instance is active fires nothing new.
	f.clock = f.clock.Add(time.Minute)
	f.feed(t, 33.0)
	assert.Len(t, f.engine.ActiveAlerts(), 1)
}

func TestTriggeringReadingIsInItsOwnWindow(t *testing.T) {
	f := newFixture(t)
	rule := highRule()
	rule.Threshold = types.HighThreshold{Limit: 30, Consecutive: 1}
	f.putRule(t, rule)

	// The only breaching reading carries a source timestamp equal to the
	// evaluation instant; the window query must not exclude it at the
	// upper bound.
	f.feed(t, 31.0)
	active := f.engine.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, 31.0, active[0].ObservedValue)
}

func TestClearingIsIndependentOfAcknowledgement(t *testing.T) {
	f := newFixture(t)
	f.putRule(t, highRule())

	f.feed(t, 31.0)
	f.clock = f.clock.Add(time.Minute)
	f.feed(t, 32.0)
	require.Len(t, f.engine.ActiveAlerts(), 1)

	// Condition recovers without anyone acknowledging.
	f.clock = f.clock.Add(time.Minute)
	f.feed(t, 22.0)

	assert.Empty(t, f.engine.ActiveAlerts())
	history := f.engine.History(0)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].ClearedAt)
	assert.Nil(t, history[0].Ack)
}

func TestCooldownSuppression(t *testing.T) {
	f := newFixture(t)
	f.putRule(t, highRule())

	// Breach, fire.
	f.feed(t, 31.0)
	f.clock = f.clock.Add(time.Minute)
	f.feed(t, 32.0)
	require.Len(t, f.engine.ActiveAlerts(), 1)

	// Clears...
	f.clock = f.clock.Add(time.Minute)
	f.feed(t, 22.0)
	require.Empty(t, f.engine.ActiveAlerts())

	// ...and re-breaches 5 minutes later, inside the 15-minute cooldown:
	// the flap must not fire a second instance.
	f.clock = f.clock.Add(3 * time.Minute)
	f.feed(t, 31.0)
	f.clock = f.clock.Add(time.Minute)
	f.feed(t, 32.0)
	assert.Empty(t, f.engine.ActiveAlerts())
	assert.Len(t, f.engine.History(0), 1)

	// After the cooldown elapses the same condition fires again.
	f.clock = f.clock.Add(16 * time.Minute)
	f.feed(t, 31.0)
	f.clock = f.clock.Add(time.Minute)
	f.feed(t, 32.0)
	assert.Len(t, f.engine.ActiveAlerts(), 1)
}

func TestAcknowledge(t *testing.T) {
	f := newFixture(t)
	f.putRule(t, highRule())

	f.feed(t, 31.0)
	f.clock = f.clock.Add(time.Minute)
	f.feed(t, 32.0)
	active := f.engine.ActiveAlerts()
	require.Len(t, active, 1)

	err := f.engine.Acknowledge(context.Background(), active[0].ID, "jordan", "inspecting HVAC")
	require.NoError(t, err)

	acked := f.engine.ActiveAlerts()
	require.Len(t, acked, 1)
	require.NotNil(t, acked[0].Ack)
	assert.Equal(t, "jordan", acked[0].Ack.By)

	// Acknowledgement does not clear: the instance stays active until the
	// condition recovers.
	f.clock = f.clock.Add(time.Minute)
	f.feed(t, 22.0)
	assert.Empty(t, f.engine.ActiveAlerts())

	// Acknowledging a cleared instance is a no-op error.
	err = f.engine.Acknowledge(context.Background(), active[0].ID, "jordan", "")
	assert.ErrorIs(t, err, errors.ErrAlertNotActive)
}

func TestNotificationFanOut(t *testing.T) {
	f := newFixture(t)
	rule := highRule()
	rule.Channels = []string{"ops-pager", "grow-room-slack"}
	f.putRule(t, rule)

	f.feed(t, 31.0)
	f.clock = f.clock.Add(time.Minute)
	f.feed(t, 32.0)

	// Notification is asynchronous on the worker pool.
	require.Eventually(t, func() bool {
		return len(f.notifier.Sent()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	channels := make(map[string]bool)
	for _, sent := range f.notifier.Sent() {
		channels[sent.Channel] = true
		assert.Equal(t, "rule-high-temp", sent.Instance.RuleID)
	}
	assert.True(t, channels["ops-pager"])
	assert.True(t, channels["grow-room-slack"])
}

func TestLowRule(t *testing.T) {
	f := newFixture(t)
	rule := highRule()
	rule.ID = "rule-low-temp"
	rule.Type = types.RuleLow
	rule.Threshold = types.LowThreshold{Limit: 15, Consecutive: 1}
	f.putRule(t, rule)

	f.feed(t, 12.0)
	active := f.engine.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, 12.0, active[0].ObservedValue)
}

func TestRangeRule(t *testing.T) {
	f := newFixture(t)
	rule := highRule()
	rule.ID = "rule-temp-band"
	rule.Type = types.RuleRange
	rule.Threshold = types.RangeThreshold{Min: 18, Max: 28}
	f.putRule(t, rule)

	f.feed(t, 24.0)
	assert.Empty(t, f.engine.ActiveAlerts())

	f.clock = f.clock.Add(time.Minute)
	f.feed(t, 16.0)
	active := f.engine.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, 18.0, active[0].ThresholdValue, "breach direction picks the violated bound")
}

func TestWindowAverageRule(t *testing.T) {
	f := newFixture(t)
	rule := highRule()
	rule.ID = "rule-avg-temp"
	rule.Type = types.RuleWindowAverage
	rule.Threshold = types.WindowAverageThreshold{Limit: 28, Above: true, MinSamples: 3}
	f.putRule(t, rule)

	// Two samples averaging over the limit: below MinSamples, no fire.
	f.feed(t, 30.0)
	f.clock = f.clock.Add(time.Minute)
	f.feed(t, 31.0)
	assert.Empty(t, f.engine.ActiveAlerts())

	f.clock = f.clock.Add(time.Minute)
	f.feed(t, 29.0)
	active := f.engine.ActiveAlerts()
	require.Len(t, active, 1)
	assert.InDelta(t, 30.0, active[0].ObservedValue, 0.001)
}

func TestInactiveRuleAndBadQualityIgnored(t *testing.T) {
	f := newFixture(t)
	rule := highRule()
	rule.Threshold = types.HighThreshold{Limit: 30, Consecutive: 1}
	rule.Active = false
	f.putRule(t, rule)

	f.feed(t, 40.0)
	assert.Empty(t, f.engine.ActiveAlerts(), "inactive rules never evaluate")

	rule.Active = true
	f.putRule(t, rule)

	bad := types.Reading{
		StreamID:   f.stream.ID,
		Value:      40.0,
		SourceTime: f.clock.Add(time.Second),
		Quality:    types.QualityBad,
	}
	f.engine.OnReading(context.Background(), f.stream, bad)
	assert.Empty(t, f.engine.ActiveAlerts(), "bad-quality readings do not drive alerting")
}
