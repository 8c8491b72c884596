// Package outbox is the actuation dispatcher: it accepts device command
// requests, applies safety interlock gating, sequences delivery by priority,
// tracks acknowledgement and completion, and retries or fails permanently.
// Every command is owned exclusively by the outbox from Submit to terminal
// status.
package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/growplane/component"
	"github.com/c360/growplane/errors"
	"github.com/c360/growplane/interlock"
	"github.com/c360/growplane/pkg/retry"
	"github.com/c360/growplane/storage"
	"github.com/c360/growplane/types"
)

const (
	// DefaultDispatchInterval is the dispatch loop period.
	DefaultDispatchInterval = 500 * time.Millisecond
	// DefaultAckTimeout bounds how long a Sent command waits for device
	// acknowledgement before it is treated as a retryable timeout.
	DefaultAckTimeout = 10 * time.Second
	// DefaultMaxRetries bounds resends per command.
	DefaultMaxRetries = 3
	// DefaultScopeLimit is the per-scope in-flight ceiling. Scopes map to
	// physical contention groups such as a shared water line.
	DefaultScopeLimit = 2
)

// SnapshotSource builds the interlock snapshot for a dispatch decision; the
// outbox fills in the per-scope concurrency fields and the actuation run
// state derived from its own command history itself.
type SnapshotSource func() interlock.Snapshot

// Deps holds the outbox's dependencies.
type Deps struct {
	Transport  storage.DeviceTransport
	Interlocks *interlock.Evaluator
	Snapshot   SnapshotSource // optional; nil evaluates an empty snapshot
	Metrics    *Metrics       // optional
	Logger     *slog.Logger

	DispatchInterval  time.Duration
	AckTimeout        time.Duration
	DefaultMaxRetries int
	ScopeLimit        int
	Backoff           retry.Config
}

// record wraps a command with dispatch bookkeeping that is not part of its
// caller-visible state.
type record struct {
	cmd         *types.DeviceCommand
	seq         uint64
	nextAttempt time.Time
	ackDeadline time.Time
}

type commandEnvelope struct {
	ID      string            `json:"id"`
	Type    types.CommandType `json:"type"`
	Channel string            `json:"channel,omitempty"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Outbox dispatches device commands. Create with NewOutbox, then drive via
// the lifecycle methods.
type Outbox struct {
	transport  storage.DeviceTransport
	interlocks *interlock.Evaluator
	snapshot   SnapshotSource
	metrics    *Metrics
	logger     *slog.Logger

	dispatchInterval  time.Duration
	ackTimeout        time.Duration
	defaultMaxRetries int
	scopeLimit        int
	backoff           retry.Config

	mu      sync.Mutex
	records map[string]*record
	seq     uint64

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	done        chan struct{}
	startTime   time.Time

	healthMu   sync.Mutex
	errorCount int
	lastError  string
}

// NewOutbox creates a command outbox.
func NewOutbox(deps Deps) *Outbox {
	if deps.DispatchInterval <= 0 {
		deps.DispatchInterval = DefaultDispatchInterval
	}
	if deps.AckTimeout <= 0 {
		deps.AckTimeout = DefaultAckTimeout
	}
	if deps.DefaultMaxRetries <= 0 {
		deps.DefaultMaxRetries = DefaultMaxRetries
	}
	if deps.ScopeLimit <= 0 {
		deps.ScopeLimit = DefaultScopeLimit
	}
	if deps.Backoff.MaxAttempts == 0 {
		deps.Backoff = retry.Dispatch()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Outbox{
		transport:         deps.Transport,
		interlocks:        deps.Interlocks,
		snapshot:          deps.Snapshot,
		metrics:           deps.Metrics,
		logger:            deps.Logger.With("component", "command-outbox"),
		dispatchInterval:  deps.DispatchInterval,
		ackTimeout:        deps.AckTimeout,
		defaultMaxRetries: deps.DefaultMaxRetries,
		scopeLimit:        deps.ScopeLimit,
		backoff:           deps.Backoff,
		records:           make(map[string]*record),
	}
}

// Meta implements component.Discoverable
func (o *Outbox) Meta() component.Metadata {
	return component.Metadata{
		Name:        "command-outbox",
		Type:        "service",
		Description: "Safety-interlocked device command dispatcher",
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable
func (o *Outbox) Health() component.HealthStatus {
	o.healthMu.Lock()
	defer o.healthMu.Unlock()
	o.lifecycleMu.Lock()
	started := o.started && !o.stopped
	start := o.startTime
	o.lifecycleMu.Unlock()

	status := component.HealthStatus{
		Healthy:    started,
		LastCheck:  time.Now(),
		ErrorCount: o.errorCount,
		LastError:  o.lastError,
	}
	if started {
		status.Uptime = time.Since(start)
	}
	return status
}

// Initialize implements component.LifecycleComponent
func (o *Outbox) Initialize() error {
	if o.transport == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "Outbox", "Initialize", "device transport is required")
	}
	if o.interlocks == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "Outbox", "Initialize", "interlock evaluator is required")
	}
	return nil
}

// Start launches the dispatch loop.
func (o *Outbox) Start(ctx context.Context) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	if o.started {
		return errors.ErrAlreadyStarted
	}
	o.started = true
	o.startTime = time.Now()

	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.run(loopCtx)
	return nil
}

// Stop halts the dispatch loop. Commands keep their current status; a
// restart resumes dispatch from the stored state.
func (o *Outbox) Stop(timeout time.Duration) error {
	o.lifecycleMu.Lock()
	if !o.started || o.stopped {
		o.lifecycleMu.Unlock()
		return nil
	}
	o.stopped = true
	cancel := o.cancel
	done := o.done
	o.lifecycleMu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Outbox", "Stop", "dispatch loop did not exit")
	}
}

func (o *Outbox) run(ctx context.Context) {
	defer close(o.done)
	ticker := time.NewTicker(o.dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.expireAcks(now)
			o.dispatchCycle(ctx, now)
		}
	}
}

// Submit accepts a command request and returns its assigned id. The command
// enters Pending; dispatch happens asynchronously on the next cycle.
func (o *Outbox) Submit(_ context.Context, cmd *types.DeviceCommand) (string, error) {
	if err := cmd.Validate(); err != nil {
		return "", err
	}

	stored := *cmd
	stored.ID = uuid.NewString()
	if stored.Scope == "" {
		stored.Scope = stored.EquipmentID
	}
	if stored.MaxRetries == 0 {
		stored.MaxRetries = o.defaultMaxRetries
	}
	stored.Status = types.StatusPending
	stored.RequestedAt = time.Now().UTC()
	stored.RetryCount = 0

	o.mu.Lock()
	o.seq++
	o.records[stored.ID] = &record{cmd: &stored, seq: o.seq}
	o.mu.Unlock()

	o.metrics.recordSubmitted(stored.Priority.String())
	o.logger.Info("command submitted",
		"command_id", stored.ID,
		"equipment_id", stored.EquipmentID,
		"type", stored.Type,
		"priority", stored.Priority.String())
	return stored.ID, nil
}

// Get returns a copy of the command's current state.
func (o *Outbox) Get(_ context.Context, id string) (*types.DeviceCommand, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[id]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrCommandNotFound, "Outbox", "Get", id)
	}
	cp := *rec.cmd
	return &cp, nil
}

// List returns commands, optionally filtered by status, ordered by
// submission time.
func (o *Outbox) List(_ context.Context, statuses ...types.CommandStatus) []types.DeviceCommand {
	filter := make(map[types.CommandStatus]struct{}, len(statuses))
	for _, s := range statuses {
		filter[s] = struct{}{}
	}

	o.mu.Lock()
	out := make([]types.DeviceCommand, 0, len(o.records))
	for _, rec := range o.records {
		if len(filter) > 0 {
			if _, ok := filter[rec.cmd.Status]; !ok {
				continue
			}
		}
		out = append(out, *rec.cmd)
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

// Cancel aborts a command that has not yet been acknowledged. Acknowledged
// and completed commands cannot be cancelled.
func (o *Outbox) Cancel(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, ok := o.records[id]
	if !ok {
		return errors.WrapInvalid(errors.ErrCommandNotFound, "Outbox", "Cancel", id)
	}
	switch {
	case rec.cmd.Status.Terminal():
		return errors.WrapInvalid(errors.ErrCommandTerminal, "Outbox", "Cancel", id)
	case rec.cmd.Status == types.StatusAcknowledged:
		return errors.WrapInvalid(errors.ErrNotCancellable, "Outbox", "Cancel", id)
	}

	o.resolve(rec, types.StatusCancelled, time.Now().UTC())
	o.logger.Info("command cancelled", "command_id", id)
	return nil
}

// Acknowledge records device acknowledgement of a Sent command.
func (o *Outbox) Acknowledge(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, ok := o.records[id]
	if !ok {
		return errors.WrapInvalid(errors.ErrCommandNotFound, "Outbox", "Acknowledge", id)
	}
	if rec.cmd.Status != types.StatusSent {
		return errors.WrapInvalid(errors.ErrInvalidData, "Outbox", "Acknowledge", "command is not awaiting acknowledgement")
	}
	now := time.Now().UTC()
	rec.cmd.Status = types.StatusAcknowledged
	rec.cmd.AckedAt = &now
	rec.ackDeadline = time.Time{}
	return nil
}

// Complete records device completion of an acknowledged (or sent) command.
func (o *Outbox) Complete(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, ok := o.records[id]
	if !ok {
		return errors.WrapInvalid(errors.ErrCommandNotFound, "Outbox", "Complete", id)
	}
	if !rec.cmd.Status.InFlight() {
		return errors.WrapInvalid(errors.ErrInvalidData, "Outbox", "Complete", "command is not in flight")
	}
	o.resolve(rec, types.StatusCompleted, time.Now().UTC())
	o.metrics.recordCompleted()
	return nil
}

// Fail records a device-reported failure for an in-flight command; the
// command re-enters the retry path.
func (o *Outbox) Fail(_ context.Context, id, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, ok := o.records[id]
	if !ok {
		return errors.WrapInvalid(errors.ErrCommandNotFound, "Outbox", "Fail", id)
	}
	if !rec.cmd.Status.InFlight() {
		return errors.WrapInvalid(errors.ErrInvalidData, "Outbox", "Fail", "command is not in flight")
	}
	o.retryOrFailPermanent(rec, types.StatusFailed, reason, time.Now().UTC())
	return nil
}

// Stats returns command counts per status.
func (o *Outbox) Stats() map[types.CommandStatus]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[types.CommandStatus]int)
	for _, rec := range o.records {
		out[rec.cmd.Status]++
	}
	return out
}

// resolve moves a record to a terminal status. Caller holds o.mu.
func (o *Outbox) resolve(rec *record, status types.CommandStatus, now time.Time) {
	rec.cmd.Status = status
	rec.cmd.ResolvedAt = &now
	rec.ackDeadline = time.Time{}
}

// retryOrFailPermanent applies the retry policy after a failure or timeout.
// Caller holds o.mu.
func (o *Outbox) retryOrFailPermanent(rec *record, status types.CommandStatus, reason string, now time.Time) {
	rec.cmd.LastError = reason
	rec.ackDeadline = time.Time{}

	if rec.cmd.RetryCount >= rec.cmd.MaxRetries {
		// Exhausted: terminal, surfaced, never silently dropped.
		o.resolve(rec, types.StatusFailedPermanent, now)
		o.metrics.recordFailedPermanent()
		o.recordError(reason)
		o.logger.Error("command failed permanently",
			"command_id", rec.cmd.ID,
			"equipment_id", rec.cmd.EquipmentID,
			"retries", rec.cmd.RetryCount,
			"last_error", reason)
		return
	}

	rec.cmd.Status = status
	rec.cmd.RetryCount++
	rec.nextAttempt = now.Add(o.backoff.Delay(rec.cmd.RetryCount + 1))
	o.metrics.recordRetry()
	o.logger.Warn("command will be retried",
		"command_id", rec.cmd.ID,
		"retry", rec.cmd.RetryCount,
		"next_attempt", rec.nextAttempt,
		"reason", reason)
}

// expireAcks times out Sent commands whose acknowledgement deadline passed.
func (o *Outbox) expireAcks(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, rec := range o.records {
		if rec.cmd.Status != types.StatusSent || rec.ackDeadline.IsZero() || now.Before(rec.ackDeadline) {
			continue
		}
		o.retryOrFailPermanent(rec, types.StatusTimedOut, "acknowledgement timeout", now)
	}
}

// dispatchCycle runs one pass: gate and send every eligible command, highest
// priority first, FIFO within a tier.
func (o *Outbox) dispatchCycle(ctx context.Context, now time.Time) {
	type outgoing struct {
		id          string
		equipmentID string
		payload     []byte
	}

	o.mu.Lock()
	candidates := make([]*record, 0)
	inFlight := make(map[string]int)
	for _, rec := range o.records {
		switch rec.cmd.Status {
		case types.StatusPending, types.StatusFailed, types.StatusTimedOut:
			if rec.nextAttempt.IsZero() || !now.Before(rec.nextAttempt) {
				candidates = append(candidates, rec)
			}
		case types.StatusSent, types.StatusAcknowledged:
			inFlight[rec.cmd.Scope]++
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].cmd.Priority != candidates[j].cmd.Priority {
			return candidates[i].cmd.Priority > candidates[j].cmd.Priority
		}
		return candidates[i].seq < candidates[j].seq
	})

	var sends []outgoing
	for _, rec := range candidates {
		// Emergency is the designated safe-state path: it bypasses all
		// gating, including the concurrency limit.
		if rec.cmd.Priority != types.PriorityEmergency {
			if trip, blocked := o.gate(inFlight[rec.cmd.Scope], now); blocked {
				rec.cmd.BlockedReason = string(trip.Type) + ": " + trip.Detail
				o.metrics.recordBlocked(string(trip.Type))
				continue
			}
		}

		payload, err := json.Marshal(commandEnvelope{
			ID:      rec.cmd.ID,
			Type:    rec.cmd.Type,
			Channel: rec.cmd.Channel,
			Payload: rec.cmd.Payload,
		})
		if err != nil {
			o.retryOrFailPermanent(rec, types.StatusFailed, err.Error(), now)
			continue
		}

		rec.cmd.BlockedReason = ""
		rec.cmd.Status = types.StatusSent
		sentAt := now
		rec.cmd.SentAt = &sentAt
		rec.ackDeadline = now.Add(o.ackTimeout)
		inFlight[rec.cmd.Scope]++
		sends = append(sends, outgoing{id: rec.cmd.ID, equipmentID: rec.cmd.EquipmentID, payload: payload})
	}
	o.mu.Unlock()

	for _, s := range sends {
		err := o.transport.SendCommand(ctx, s.equipmentID, s.payload)
		if err == nil {
			o.metrics.recordDispatched()
			o.logger.Debug("command sent", "command_id", s.id, "equipment_id", s.equipmentID)
			continue
		}
		o.recordError(err.Error())
		o.mu.Lock()
		if rec, ok := o.records[s.id]; ok && rec.cmd.Status == types.StatusSent {
			o.retryOrFailPermanent(rec, types.StatusFailed, err.Error(), now)
		}
		o.mu.Unlock()
	}
	o.metrics.setInFlight(o.totalInFlight())
}

// gate evaluates the interlock bank for one non-emergency dispatch decision.
// Caller holds o.mu. Returns the first blocking trip when dispatch must be
// deferred.
func (o *Outbox) gate(scopeInFlight int, now time.Time) (types.InterlockTrip, bool) {
	var snap interlock.Snapshot
	if o.snapshot != nil {
		snap = o.snapshot()
	}
	snap.Now = now
	snap.ScopeInFlight = scopeInFlight
	snap.ScopeLimit = o.scopeLimit

	runSince, flowOpen := o.actuationState()
	if snap.RunSince == nil {
		snap.RunSince = runSince
	} else {
		for id, since := range runSince {
			if cur, ok := snap.RunSince[id]; !ok || since.Before(cur) {
				snap.RunSince[id] = since
			}
		}
	}
	snap.FlowOpen = snap.FlowOpen || flowOpen

	trips := o.interlocks.Evaluate(snap)
	if len(trips) == 0 {
		return types.InterlockTrip{}, false
	}
	sort.Slice(trips, func(i, j int) bool { return trips[i].Type < trips[j].Type })
	return trips[0], true
}

// actuationState derives, from command history, the start of each
// equipment's current continuous run and whether any irrigation line is
// commanded open. A run begins at the send of a starting command and ends
// when a stopping command for the same equipment completes. Caller holds
// o.mu.
func (o *Outbox) actuationState() (map[string]time.Time, bool) {
	lastStop := make(map[string]time.Time)
	for _, rec := range o.records {
		cmd := rec.cmd
		if cmd.Type.StopsRun() && cmd.Status == types.StatusCompleted && cmd.ResolvedAt != nil {
			if cmd.ResolvedAt.After(lastStop[cmd.EquipmentID]) {
				lastStop[cmd.EquipmentID] = *cmd.ResolvedAt
			}
		}
	}

	runSince := make(map[string]time.Time)
	flowOpen := false
	for _, rec := range o.records {
		cmd := rec.cmd
		if !cmd.Type.StartsRun() || cmd.SentAt == nil {
			continue
		}
		switch cmd.Status {
		case types.StatusSent, types.StatusAcknowledged, types.StatusCompleted:
		default:
			continue
		}
		if stop, ok := lastStop[cmd.EquipmentID]; ok && stop.After(*cmd.SentAt) {
			continue
		}
		if since, ok := runSince[cmd.EquipmentID]; !ok || cmd.SentAt.Before(since) {
			runSince[cmd.EquipmentID] = *cmd.SentAt
		}
		if cmd.Type == types.CommandOpenValve {
			flowOpen = true
		}
	}
	return runSince, flowOpen
}

func (o *Outbox) totalInFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, rec := range o.records {
		if rec.cmd.Status.InFlight() {
			n++
		}
	}
	return n
}

func (o *Outbox) recordError(msg string) {
	o.healthMu.Lock()
	o.errorCount++
	o.lastError = msg
	o.healthMu.Unlock()
}
