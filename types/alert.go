package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/growplane/errors"
)

// RuleType discriminates alert rule threshold variants.
type RuleType string

// Supported alert rule types
const (
	// RuleHigh fires when N consecutive readings exceed a limit
	RuleHigh RuleType = "high"
	// RuleLow fires when N consecutive readings fall below a limit
	RuleLow RuleType = "low"
	// RuleRange fires when a reading leaves the [Min, Max] band
	RuleRange RuleType = "range"
	// RuleWindowAverage fires when the windowed average breaches a limit
	RuleWindowAverage RuleType = "window_average"
)

// Severity orders alert instances for operators.
type Severity string

// Alert severities
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// ThresholdConfig is the tagged union of per-rule-type threshold
// configuration. Each variant self-validates, so a rule whose configuration
// does not match its type is rejected at save time and never reaches
// evaluation.
type ThresholdConfig interface {
	RuleType() RuleType
	Validate() error
}

// HighThreshold fires when Consecutive readings in the window exceed Limit.
type HighThreshold struct {
	Limit       float64 `json:"limit"`
	Consecutive int     `json:"consecutive"`
}

// RuleType implements ThresholdConfig
func (h HighThreshold) RuleType() RuleType { return RuleHigh }

// Validate implements ThresholdConfig
func (h HighThreshold) Validate() error {
	if h.Consecutive < 1 {
		return errors.WrapInvalid(errors.ErrInvalidThreshold, "HighThreshold", "Validate",
			"consecutive must be >= 1")
	}
	return nil
}

// LowThreshold fires when Consecutive readings in the window fall below Limit.
type LowThreshold struct {
	Limit       float64 `json:"limit"`
	Consecutive int     `json:"consecutive"`
}

// RuleType implements ThresholdConfig
func (l LowThreshold) RuleType() RuleType { return RuleLow }

// Validate implements ThresholdConfig
func (l LowThreshold) Validate() error {
	if l.Consecutive < 1 {
		return errors.WrapInvalid(errors.ErrInvalidThreshold, "LowThreshold", "Validate",
			"consecutive must be >= 1")
	}
	return nil
}

// RangeThreshold fires when a reading leaves the [Min, Max] band.
type RangeThreshold struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// RuleType implements ThresholdConfig
func (r RangeThreshold) RuleType() RuleType { return RuleRange }

// Validate implements ThresholdConfig
func (r RangeThreshold) Validate() error {
	if r.Min > r.Max {
		return errors.WrapInvalid(errors.ErrInvalidThreshold, "RangeThreshold", "Validate",
			fmt.Sprintf("min %v exceeds max %v", r.Min, r.Max))
	}
	return nil
}

// WindowAverageThreshold fires when the average over the rule's evaluation
// window breaches Limit in the configured direction.
type WindowAverageThreshold struct {
	Limit float64 `json:"limit"`
	// Above fires when avg > Limit; otherwise fires when avg < Limit.
	Above bool `json:"above"`
	// MinSamples guards against firing on a near-empty window.
	MinSamples int `json:"min_samples"`
}

// RuleType implements ThresholdConfig
func (w WindowAverageThreshold) RuleType() RuleType { return RuleWindowAverage }

// Validate implements ThresholdConfig
func (w WindowAverageThreshold) Validate() error {
	if w.MinSamples < 1 {
		return errors.WrapInvalid(errors.ErrInvalidThreshold, "WindowAverageThreshold", "Validate",
			"min_samples must be >= 1")
	}
	return nil
}

// decodeThreshold resolves the tagged variant for a rule type.
func decodeThreshold(ruleType RuleType, raw json.RawMessage) (ThresholdConfig, error) {
	var (
		tc  ThresholdConfig
		err error
	)
	switch ruleType {
	case RuleHigh:
		var v HighThreshold
		err = json.Unmarshal(raw, &v)
		tc = v
	case RuleLow:
		var v LowThreshold
		err = json.Unmarshal(raw, &v)
		tc = v
	case RuleRange:
		var v RangeThreshold
		err = json.Unmarshal(raw, &v)
		tc = v
	case RuleWindowAverage:
		var v WindowAverageThreshold
		err = json.Unmarshal(raw, &v)
		tc = v
	default:
		return nil, errors.WrapInvalid(errors.ErrUnknownRuleType, "AlertRule", "decodeThreshold",
			fmt.Sprintf("rule type %q", ruleType))
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "AlertRule", "decodeThreshold", "threshold unmarshal")
	}
	return tc, nil
}

// AlertRule configures threshold alerting for a set of streams.
type AlertRule struct {
	ID        string          `json:"id"`
	SiteID    string          `json:"site_id"`
	Name      string          `json:"name"`
	Type      RuleType        `json:"type"`
	StreamIDs []string        `json:"stream_ids"`
	Threshold ThresholdConfig `json:"-"`
	Window    time.Duration   `json:"window"`
	Cooldown  time.Duration   `json:"cooldown"`
	Severity  Severity        `json:"severity"`
	Active    bool            `json:"active"`
	Channels  []string        `json:"channels"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// alertRuleJSON is the wire form carrying the threshold as raw JSON next to
// its type tag.
type alertRuleJSON struct {
	ID        string          `json:"id"`
	SiteID    string          `json:"site_id"`
	Name      string          `json:"name"`
	Type      RuleType        `json:"type"`
	StreamIDs []string        `json:"stream_ids"`
	Threshold json.RawMessage `json:"threshold"`
	WindowMS  int64           `json:"window_ms"`
	CoolMS    int64           `json:"cooldown_ms"`
	Severity  Severity        `json:"severity"`
	Active    bool            `json:"active"`
	Channels  []string        `json:"channels"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// MarshalJSON encodes the rule with its threshold variant inline.
func (r AlertRule) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if r.Threshold != nil {
		b, err := json.Marshal(r.Threshold)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(alertRuleJSON{
		ID:        r.ID,
		SiteID:    r.SiteID,
		Name:      r.Name,
		Type:      r.Type,
		StreamIDs: r.StreamIDs,
		Threshold: raw,
		WindowMS:  r.Window.Milliseconds(),
		CoolMS:    r.Cooldown.Milliseconds(),
		Severity:  r.Severity,
		Active:    r.Active,
		Channels:  r.Channels,
		UpdatedAt: r.UpdatedAt,
	})
}

// UnmarshalJSON decodes the rule, resolving the threshold variant from the
// type tag.
func (r *AlertRule) UnmarshalJSON(data []byte) error {
	var w alertRuleJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.ID = w.ID
	r.SiteID = w.SiteID
	r.Name = w.Name
	r.Type = w.Type
	r.StreamIDs = w.StreamIDs
	r.Window = time.Duration(w.WindowMS) * time.Millisecond
	r.Cooldown = time.Duration(w.CoolMS) * time.Millisecond
	r.Severity = w.Severity
	r.Active = w.Active
	r.Channels = w.Channels
	r.UpdatedAt = w.UpdatedAt

	if len(w.Threshold) > 0 {
		tc, err := decodeThreshold(w.Type, w.Threshold)
		if err != nil {
			return err
		}
		r.Threshold = tc
	}
	return nil
}

// Validate checks the rule is saveable: structural fields present and the
// threshold variant matching the declared type.
func (r *AlertRule) Validate() error {
	if r.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "AlertRule", "Validate", "id is required")
	}
	if r.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "AlertRule", "Validate", "name is required")
	}
	if len(r.StreamIDs) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "AlertRule", "Validate", "at least one stream is required")
	}
	if !r.Severity.Valid() {
		return errors.WrapInvalid(errors.ErrInvalidData, "AlertRule", "Validate",
			fmt.Sprintf("severity %q", r.Severity))
	}
	if r.Threshold == nil {
		return errors.WrapInvalid(errors.ErrInvalidThreshold, "AlertRule", "Validate", "threshold is required")
	}
	if r.Threshold.RuleType() != r.Type {
		return errors.WrapInvalid(errors.ErrInvalidThreshold, "AlertRule", "Validate",
			fmt.Sprintf("threshold variant %q does not match rule type %q", r.Threshold.RuleType(), r.Type))
	}
	if r.Cooldown < 0 || r.Window < 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "AlertRule", "Validate", "negative durations")
	}
	return r.Threshold.Validate()
}

// Acknowledgement records a human review of a fired alert.
type Acknowledgement struct {
	By    string    `json:"by"`
	At    time.Time `json:"at"`
	Notes string    `json:"notes,omitempty"`
}

// AlertInstance is one firing of a rule against a stream. Terminal once
// cleared; at most one active instance per (rule, stream) pair.
type AlertInstance struct {
	ID             string           `json:"id"`
	RuleID         string           `json:"rule_id"`
	StreamID       string           `json:"stream_id"`
	FiredAt        time.Time        `json:"fired_at"`
	ClearedAt      *time.Time       `json:"cleared_at,omitempty"`
	Severity       Severity         `json:"severity"`
	ObservedValue  float64          `json:"observed_value"`
	ThresholdValue float64          `json:"threshold_value"`
	Message        string           `json:"message"`
	Ack            *Acknowledgement `json:"ack,omitempty"`
}

// Active reports whether the instance has not yet cleared.
func (ai *AlertInstance) Active() bool {
	return ai.ClearedAt == nil
}
