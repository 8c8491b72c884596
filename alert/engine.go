// Package alert evaluates threshold rules against ingested readings and
// manages the lifecycle of fired alert instances. Per (rule, stream) the
// state machine is Normal -> Fired -> (Acknowledged) -> Cleared -> Normal,
// with a cooldown suppressing re-fires from flapping sensors.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/growplane/component"
	"github.com/c360/growplane/errors"
	"github.com/c360/growplane/pkg/retry"
	"github.com/c360/growplane/pkg/worker"
	"github.com/c360/growplane/storage"
	"github.com/c360/growplane/types"
)

const (
	// AlertSubjectPrefix is the NATS subject prefix for alert lifecycle
	// events (fired, cleared, acknowledged).
	AlertSubjectPrefix = "telemetry.alert."

	defaultNotifyWorkers = 4
	defaultNotifyQueue   = 256
	defaultHistoryLimit  = 1000
)

// Publisher publishes alert lifecycle events for live subscribers.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// evaluator is one rule type's predicate over the evaluation window.
// Readings are ordered oldest first. It returns whether the condition is
// breached plus the observed and threshold values for the instance record.
type evaluator func(rule *types.AlertRule, readings []types.Reading) (breached bool, observed, limit float64, message string)

type notifyJob struct {
	channel  string
	instance types.AlertInstance
}

// streamState is the per-(rule, stream) evaluation state.
type streamState struct {
	active      *types.AlertInstance
	lastFiredAt time.Time
}

// Deps holds the alert engine's dependencies.
type Deps struct {
	Rules     storage.RuleStore
	Store     storage.TimeSeriesStore
	Notifier  storage.Notifier
	Publisher Publisher // optional
	Metrics   *Metrics  // optional
	Logger    *slog.Logger

	NotifyWorkers int
	NotifyQueue   int
	NotifyRetry   retry.Config
	HistoryLimit  int
}

// Engine is the alert engine. Evaluation is triggered by accepted raw
// readings via OnReading; rollup-driven evaluation is intentionally not
// scheduled, raw readings arrive strictly more often.
type Engine struct {
	rules     storage.RuleStore
	store     storage.TimeSeriesStore
	publisher Publisher
	metrics   *Metrics
	logger    *slog.Logger

	evaluators map[types.RuleType]evaluator

	mu      sync.Mutex
	states  map[string]*streamState
	history []types.AlertInstance

	historyLimit int
	notifyPool   *worker.Pool[notifyJob]
	now          func() time.Time

	lifecycleMu sync.Mutex
	started     bool
	startTime   time.Time
}

// NewEngine creates the alert engine. The rule-type evaluator registry is
// resolved here, once.
func NewEngine(deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.NotifyWorkers <= 0 {
		deps.NotifyWorkers = defaultNotifyWorkers
	}
	if deps.NotifyQueue <= 0 {
		deps.NotifyQueue = defaultNotifyQueue
	}
	if deps.NotifyRetry.MaxAttempts == 0 {
		deps.NotifyRetry = retry.DefaultConfig()
	}
	if deps.HistoryLimit <= 0 {
		deps.HistoryLimit = defaultHistoryLimit
	}

	e := &Engine{
		rules:     deps.Rules,
		store:     deps.Store,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With("component", "alert-engine"),
		evaluators: map[types.RuleType]evaluator{
			types.RuleHigh:          evalHigh,
			types.RuleLow:           evalLow,
			types.RuleRange:         evalRange,
			types.RuleWindowAverage: evalWindowAverage,
		},
		states:       make(map[string]*streamState),
		historyLimit: deps.HistoryLimit,
		now:          func() time.Time { return time.Now().UTC() },
	}

	notifier := deps.Notifier
	notifyRetry := deps.NotifyRetry
	e.notifyPool = worker.NewPool(deps.NotifyWorkers, deps.NotifyQueue,
		func(ctx context.Context, job notifyJob) error {
			return retry.Do(ctx, notifyRetry, func() error {
				return notifier.Send(ctx, job.channel, job.instance)
			})
		})
	return e
}

// Meta implements component.Discoverable
func (e *Engine) Meta() component.Metadata {
	return component.Metadata{
		Name:        "alert-engine",
		Type:        "service",
		Description: "Threshold rule evaluation with cooldown suppression",
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable
func (e *Engine) Health() component.HealthStatus {
	e.lifecycleMu.Lock()
	started := e.started
	start := e.startTime
	e.lifecycleMu.Unlock()

	stats := e.notifyPool.Stats()
	status := component.HealthStatus{
		Healthy:    started,
		LastCheck:  time.Now(),
		ErrorCount: int(stats.Failed + stats.Dropped),
	}
	if started {
		status.Uptime = time.Since(start)
	}
	return status
}

// Initialize implements component.LifecycleComponent
func (e *Engine) Initialize() error {
	if e.rules == nil || e.store == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "Engine", "Initialize", "rule and time-series stores are required")
	}
	return nil
}

// Start launches the notification worker pool.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.started {
		return errors.ErrAlreadyStarted
	}
	if err := e.notifyPool.Start(ctx); err != nil {
		return err
	}
	e.started = true
	e.startTime = time.Now()
	return nil
}

// Stop drains the notification pool.
func (e *Engine) Stop(timeout time.Duration) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if !e.started {
		return nil
	}
	e.started = false
	return e.notifyPool.Stop(timeout)
}

func stateKey(ruleID, streamID string) string {
	return ruleID + "|" + streamID
}

// OnReading evaluates every active rule referencing the reading's stream.
// Implements the ingest pipeline's evaluation hook; called on the ingest
// path, so per-rule failures are logged, never propagated.
func (e *Engine) OnReading(ctx context.Context, strm *types.Stream, reading types.Reading) {
	if reading.Quality == types.QualityBad {
		// Adapter-flagged unreliable payloads do not drive alerting.
		return
	}

	rules, err := e.rules.ListRules(ctx, strm.SiteID)
	if err != nil {
		e.logger.Error("failed to list rules", "site_id", strm.SiteID, "error", err)
		return
	}

	for i := range rules {
		rule := rules[i]
		if !rule.Active || !ruleTargets(&rule, reading.StreamID) {
			continue
		}
		e.evaluate(ctx, &rule, reading.StreamID)
	}
}

func ruleTargets(rule *types.AlertRule, streamID string) bool {
	for _, id := range rule.StreamIDs {
		if id == streamID {
			return true
		}
	}
	return false
}

func (e *Engine) evaluate(ctx context.Context, rule *types.AlertRule, streamID string) {
	evalFn, ok := e.evaluators[rule.Type]
	if !ok {
		// Unknown types are rejected at save time; reaching here means the
		// store was bypassed.
		e.logger.Error("no evaluator for rule type", "rule_id", rule.ID, "type", rule.Type)
		return
	}

	now := e.now()
	window := rule.Window
	if window <= 0 {
		window = 5 * time.Minute
	}
	// The store's query interval is half-open [from, to); nudge the upper
	// bound so the reading that triggered this evaluation is in its own
	// window.
	readings, err := e.store.QueryReadings(ctx, streamID, now.Add(-window), now.Add(time.Nanosecond))
	if err != nil {
		e.logger.Error("window query failed", "rule_id", rule.ID, "stream_id", streamID, "error", err)
		return
	}
	readings = dropBadQuality(readings)

	breached, observed, limit, message := evalFn(rule, readings)
	e.metrics.recordEvaluation(string(rule.Type))

	e.mu.Lock()
	defer e.mu.Unlock()

	key := stateKey(rule.ID, streamID)
	state, ok := e.states[key]
	if !ok {
		state = &streamState{}
		e.states[key] = state
	}

	switch {
	case breached && state.active == nil:
		if !state.lastFiredAt.IsZero() && now.Sub(state.lastFiredAt) < rule.Cooldown {
			e.metrics.recordSuppressed()
			e.logger.Debug("alert suppressed by cooldown",
				"rule_id", rule.ID, "stream_id", streamID,
				"since_last_fire", now.Sub(state.lastFiredAt))
			return
		}
		e.fire(ctx, rule, streamID, state, now, observed, limit, message)

	case !breached && state.active != nil:
		e.clear(ctx, state, now)
	}
}

// fire creates the active instance and fans out notifications. Caller holds
// e.mu.
func (e *Engine) fire(ctx context.Context, rule *types.AlertRule, streamID string, state *streamState, now time.Time, observed, limit float64, message string) {
	instance := &types.AlertInstance{
		ID:             uuid.NewString(),
		RuleID:         rule.ID,
		StreamID:       streamID,
		FiredAt:        now,
		Severity:       rule.Severity,
		ObservedValue:  observed,
		ThresholdValue: limit,
		Message:        message,
	}
	state.active = instance
	state.lastFiredAt = now
	e.metrics.recordFired(string(rule.Severity))
	e.logger.Warn("alert fired",
		"rule_id", rule.ID,
		"stream_id", streamID,
		"severity", rule.Severity,
		"observed", observed,
		"threshold", limit)

	// Notification is fire-and-forget on a bounded queue; a full queue drops
	// the job rather than stalling ingest.
	for _, channel := range rule.Channels {
		if err := e.notifyPool.Submit(notifyJob{channel: channel, instance: *instance}); err != nil {
			e.logger.Warn("notification dropped", "channel", channel, "error", err)
		}
	}
	e.publish(ctx, "fired", *instance)
}

// clear transitions the active instance to Cleared. Caller holds e.mu.
// Clearing is independent of acknowledgement.
func (e *Engine) clear(ctx context.Context, state *streamState, now time.Time) {
	instance := state.active
	cleared := now
	instance.ClearedAt = &cleared
	state.active = nil

	e.history = append(e.history, *instance)
	if len(e.history) > e.historyLimit {
		e.history = e.history[len(e.history)-e.historyLimit:]
	}
	e.metrics.recordCleared()
	e.logger.Info("alert cleared",
		"rule_id", instance.RuleID,
		"stream_id", instance.StreamID,
		"active_for", cleared.Sub(instance.FiredAt))
	e.publish(ctx, "cleared", *instance)
}

func (e *Engine) publish(ctx context.Context, event string, instance types.AlertInstance) {
	if e.publisher == nil {
		return
	}
	data, err := json.Marshal(instance)
	if err != nil {
		return
	}
	if err := e.publisher.Publish(ctx, AlertSubjectPrefix+event, data); err != nil {
		e.logger.Warn("failed to publish alert event", "event", event, "error", err)
	}
}

// Acknowledge marks an active instance reviewed. It does not clear the
// alert. Acknowledging an unknown or already-cleared instance is an error.
func (e *Engine) Acknowledge(ctx context.Context, instanceID, by, notes string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, state := range e.states {
		if state.active == nil || state.active.ID != instanceID {
			continue
		}
		state.active.Ack = &types.Acknowledgement{
			By:    by,
			At:    time.Now().UTC(),
			Notes: notes,
		}
		e.publish(ctx, "acknowledged", *state.active)
		return nil
	}
	return errors.WrapInvalid(errors.ErrAlertNotActive, "Engine", "Acknowledge", instanceID)
}

// ActiveAlerts returns copies of all currently active instances.
func (e *Engine) ActiveAlerts() []types.AlertInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []types.AlertInstance
	for _, state := range e.states {
		if state.active != nil {
			out = append(out, *state.active)
		}
	}
	return out
}

// History returns up to limit cleared instances, most recent last.
func (e *Engine) History(limit int) []types.AlertInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit > len(e.history) {
		limit = len(e.history)
	}
	out := make([]types.AlertInstance, limit)
	copy(out, e.history[len(e.history)-limit:])
	return out
}

func dropBadQuality(readings []types.Reading) []types.Reading {
	out := readings[:0]
	for _, r := range readings {
		if r.Quality != types.QualityBad {
			out = append(out, r)
		}
	}
	return out
}

func evalHigh(rule *types.AlertRule, readings []types.Reading) (bool, float64, float64, string) {
	t := rule.Threshold.(types.HighThreshold)
	breached, observed := consecutiveBreach(readings, t.Consecutive, func(v float64) bool { return v > t.Limit })
	msg := fmt.Sprintf("%s: %d consecutive readings above %.3f", rule.Name, t.Consecutive, t.Limit)
	return breached, observed, t.Limit, msg
}

func evalLow(rule *types.AlertRule, readings []types.Reading) (bool, float64, float64, string) {
	t := rule.Threshold.(types.LowThreshold)
	breached, observed := consecutiveBreach(readings, t.Consecutive, func(v float64) bool { return v < t.Limit })
	msg := fmt.Sprintf("%s: %d consecutive readings below %.3f", rule.Name, t.Consecutive, t.Limit)
	return breached, observed, t.Limit, msg
}

// consecutiveBreach reports whether the newest n readings all satisfy the
// predicate. Fewer than n readings in the window never breaches.
func consecutiveBreach(readings []types.Reading, n int, breach func(float64) bool) (bool, float64) {
	if len(readings) < n {
		return false, 0
	}
	newest := readings[len(readings)-n:]
	for _, r := range newest {
		if !breach(r.Value) {
			return false, r.Value
		}
	}
	return true, newest[len(newest)-1].Value
}

func evalRange(rule *types.AlertRule, readings []types.Reading) (bool, float64, float64, string) {
	t := rule.Threshold.(types.RangeThreshold)
	if len(readings) == 0 {
		return false, 0, t.Max, ""
	}
	latest := readings[len(readings)-1]
	breached := latest.Value < t.Min || latest.Value > t.Max
	limit := t.Max
	if latest.Value < t.Min {
		limit = t.Min
	}
	msg := fmt.Sprintf("%s: value outside [%.3f, %.3f]", rule.Name, t.Min, t.Max)
	return breached, latest.Value, limit, msg
}

func evalWindowAverage(rule *types.AlertRule, readings []types.Reading) (bool, float64, float64, string) {
	t := rule.Threshold.(types.WindowAverageThreshold)
	if len(readings) < t.MinSamples {
		return false, 0, t.Limit, ""
	}
	sum := 0.0
	for _, r := range readings {
		sum += r.Value
	}
	avg := sum / float64(len(readings))
	breached := avg > t.Limit
	direction := "above"
	if !t.Above {
		breached = avg < t.Limit
		direction = "below"
	}
	msg := fmt.Sprintf("%s: window average %s %.3f", rule.Name, direction, t.Limit)
	return breached, avg, t.Limit, msg
}
