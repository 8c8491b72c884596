package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRule() AlertRule {
	return AlertRule{
		ID:        "rule-1",
		SiteID:    "site-1",
		Name:      "zone 3 high temp",
		Type:      RuleHigh,
		StreamIDs: []string{"stream-1"},
		Threshold: HighThreshold{Limit: 30, Consecutive: 3},
		Window:    10 * time.Minute,
		Cooldown:  15 * time.Minute,
		Severity:  SeverityWarning,
		Active:    true,
		Channels:  []string{"ops-email"},
	}
}

func TestAlertRuleValidate(t *testing.T) {
	rule := validRule()
	require.NoError(t, rule.Validate())
}

func TestAlertRuleRejectsMismatchedThreshold(t *testing.T) {
	rule := validRule()
	rule.Type = RuleRange // threshold is still HighThreshold
	err := rule.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match rule type")
}

func TestRangeThresholdMinAboveMax(t *testing.T) {
	rule := validRule()
	rule.Type = RuleRange
	rule.Threshold = RangeThreshold{Min: 7.0, Max: 5.5}
	assert.Error(t, rule.Validate())
}

func TestHighThresholdNeedsConsecutive(t *testing.T) {
	rule := validRule()
	rule.Threshold = HighThreshold{Limit: 30, Consecutive: 0}
	assert.Error(t, rule.Validate())
}

func TestAlertRuleJSONRoundTrip(t *testing.T) {
	rule := validRule()

	data, err := json.Marshal(rule)
	require.NoError(t, err)

	var decoded AlertRule
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, rule.ID, decoded.ID)
	assert.Equal(t, rule.Type, decoded.Type)
	assert.Equal(t, rule.Window, decoded.Window)
	assert.Equal(t, rule.Cooldown, decoded.Cooldown)

	th, ok := decoded.Threshold.(HighThreshold)
	require.True(t, ok, "threshold variant should resolve from the type tag")
	assert.Equal(t, 30.0, th.Limit)
	assert.Equal(t, 3, th.Consecutive)
	require.NoError(t, decoded.Validate())
}

func TestAlertRuleUnknownTypeRejectedAtDecode(t *testing.T) {
	raw := `{"id":"r","site_id":"s","name":"n","type":"percentile",
		"stream_ids":["a"],"threshold":{"p":99},"severity":"warning"}`
	var rule AlertRule
	err := json.Unmarshal([]byte(raw), &rule)
	assert.Error(t, err)
}

func TestReadingDedupKey(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	withID := Reading{StreamID: "s1", MessageID: "m-42", SourceTime: ts}
	withoutID := Reading{StreamID: "s1", SourceTime: ts}

	assert.Equal(t, "s1|m|m-42", withID.DedupKey())
	assert.NotEqual(t, withID.DedupKey(), withoutID.DedupKey())

	// Same (stream, source ts) without message id collides.
	other := Reading{StreamID: "s1", SourceTime: ts}
	assert.Equal(t, withoutID.DedupKey(), other.DedupKey())
}

func TestCommandStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailedPermanent.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusTimedOut.Terminal())
	assert.True(t, StatusSent.InFlight())
	assert.True(t, StatusAcknowledged.InFlight())
	assert.False(t, StatusPending.InFlight())
}

func TestUnitNominalBounds(t *testing.T) {
	min, max := UnitPH.NominalBounds()
	assert.Equal(t, 0.0, min)
	assert.Equal(t, 14.0, max)
}
