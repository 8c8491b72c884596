// Package interlock evaluates safety conditions that gate actuation. The
// evaluator is a pure function bank: Evaluate inspects a snapshot of current
// system state and reports which conditions are tripped. It never mutates
// state or issues commands; the command outbox consults it before every
// dispatch and retry attempt.
package interlock

import (
	"fmt"
	"sync"
	"time"

	"github.com/c360/growplane/types"
)

// Limits holds the thresholds the predicates compare against. Zero values
// disable the corresponding check except where a default is noted.
type Limits struct {
	TankLevelMinPct float64       // below this the tank-low interlock trips
	ECMin, ECMax    float64       // mS/cm bounds for nutrient dosing
	PHMin, PHMax    float64       // pH bounds for nutrient dosing
	CO2MaxPPM       float64       // enrichment lockout ceiling while occupied
	MaxRuntime      time.Duration // continuous actuation ceiling per equipment
	StaleAfter      time.Duration // telemetry older than this blocks actuation
	DeviceTimeout   time.Duration // silence from a device beyond this trips
	FlowMinLPM      float64       // expected minimum flow while a line is open
	FlowMaxLPM      float64       // burst-pipe ceiling
}

// DefaultLimits are conservative cultivation-facility defaults.
func DefaultLimits() Limits {
	return Limits{
		TankLevelMinPct: 10,
		ECMin:           0.5,
		ECMax:           3.5,
		PHMin:           5.0,
		PHMax:           7.0,
		CO2MaxPPM:       1500,
		MaxRuntime:      30 * time.Minute,
		StaleAfter:      15 * time.Minute,
		DeviceTimeout:   5 * time.Minute,
		FlowMinLPM:      0.5,
		FlowMaxLPM:      60,
	}
}

// Snapshot is the state one evaluation cycle inspects. Built by the caller
// (typically the outbox) from the latest-reading cache, device health, and
// the decision at hand; never retained by the evaluator.
type Snapshot struct {
	Now time.Time

	EmergencyStop bool
	DoorOpen      bool
	RoomOccupied  bool

	TankLevel *types.Reading // percent
	EC        *types.Reading
	PH        *types.Reading
	CO2       *types.Reading // ppm
	Flow      *types.Reading // liters per minute
	FlowOpen  bool           // an irrigation line is currently commanded open

	// RunSince maps equipment id to the start of its current continuous run.
	RunSince map[string]time.Time
	// LastSeen maps equipment id to its last heartbeat or reading.
	LastSeen map[string]time.Time

	// CurfewStart/CurfewEnd bound the daily window (minutes after midnight,
	// site-local) during which actuation is forbidden. Equal values disable
	// the curfew.
	CurfewStart, CurfewEnd int

	// ScopeInFlight and ScopeLimit describe the contention scope of the
	// command being gated. Filled per decision by the outbox; ScopeLimit
	// zero disables the check.
	ScopeInFlight int
	ScopeLimit    int
}

// Predicate reports whether one interlock type is tripped, with a detail
// string naming what tripped it.
type Predicate func(limits Limits, snap Snapshot) (bool, string)

// Evaluator is the interlock function bank. The type-to-predicate registry
// is resolved once at construction.
type Evaluator struct {
	limits     Limits
	predicates map[types.InterlockType]Predicate

	mu   sync.RWMutex
	last []types.InterlockTrip
}

// NewEvaluator builds the evaluator with the standard predicate bank.
func NewEvaluator(limits Limits) *Evaluator {
	return &Evaluator{
		limits: limits,
		predicates: map[types.InterlockType]Predicate{
			types.InterlockEmergencyStop:      emergencyStop,
			types.InterlockDoorOpen:           doorOpen,
			types.InterlockTankLevelLow:       tankLevelLow,
			types.InterlockECOutOfBounds:      ecOutOfBounds,
			types.InterlockPHOutOfBounds:      phOutOfBounds,
			types.InterlockCO2Lockout:         co2Lockout,
			types.InterlockMaxRuntimeExceeded: maxRuntimeExceeded,
			types.InterlockConcurrencyLimit:   concurrencyLimit,
			types.InterlockStaleTelemetry:     staleTelemetry,
			types.InterlockDeviceTimeout:      deviceTimeout,
			types.InterlockCurfewWindow:       curfewWindow,
			types.InterlockFlowAnomaly:        flowAnomaly,
		},
	}
}

// Evaluate runs every predicate against the snapshot and returns the tripped
// conditions. The result is also cached as the last evaluation for
// inspection APIs; trip results are never cached across dispatch decisions.
func (e *Evaluator) Evaluate(snap Snapshot) []types.InterlockTrip {
	if snap.Now.IsZero() {
		snap.Now = time.Now()
	}

	var trips []types.InterlockTrip
	for ilType, predicate := range e.predicates {
		tripped, detail := predicate(e.limits, snap)
		if tripped {
			trips = append(trips, types.InterlockTrip{
				Type:      ilType,
				TrippedAt: snap.Now,
				Detail:    detail,
			})
		}
	}

	e.mu.Lock()
	e.last = trips
	e.mu.Unlock()
	return trips
}

// LastEvaluation returns the trips from the most recent Evaluate call.
func (e *Evaluator) LastEvaluation() []types.InterlockTrip {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.InterlockTrip, len(e.last))
	copy(out, e.last)
	return out
}

func emergencyStop(_ Limits, snap Snapshot) (bool, string) {
	if snap.EmergencyStop {
		return true, "emergency stop engaged"
	}
	return false, ""
}

func doorOpen(_ Limits, snap Snapshot) (bool, string) {
	if snap.DoorOpen {
		return true, "room door open"
	}
	return false, ""
}

func tankLevelLow(limits Limits, snap Snapshot) (bool, string) {
	if limits.TankLevelMinPct <= 0 || snap.TankLevel == nil {
		return false, ""
	}
	if snap.TankLevel.Value < limits.TankLevelMinPct {
		return true, fmt.Sprintf("tank level %.1f%% below minimum %.1f%%",
			snap.TankLevel.Value, limits.TankLevelMinPct)
	}
	return false, ""
}

func ecOutOfBounds(limits Limits, snap Snapshot) (bool, string) {
	if limits.ECMax <= 0 || snap.EC == nil {
		return false, ""
	}
	if snap.EC.Value < limits.ECMin || snap.EC.Value > limits.ECMax {
		return true, fmt.Sprintf("EC %.2f outside [%.2f, %.2f]",
			snap.EC.Value, limits.ECMin, limits.ECMax)
	}
	return false, ""
}

func phOutOfBounds(limits Limits, snap Snapshot) (bool, string) {
	if limits.PHMax <= 0 || snap.PH == nil {
		return false, ""
	}
	if snap.PH.Value < limits.PHMin || snap.PH.Value > limits.PHMax {
		return true, fmt.Sprintf("pH %.2f outside [%.2f, %.2f]",
			snap.PH.Value, limits.PHMin, limits.PHMax)
	}
	return false, ""
}

func co2Lockout(limits Limits, snap Snapshot) (bool, string) {
	if limits.CO2MaxPPM <= 0 || snap.CO2 == nil || !snap.RoomOccupied {
		return false, ""
	}
	if snap.CO2.Value > limits.CO2MaxPPM {
		return true, fmt.Sprintf("CO2 %.0f ppm above occupied limit %.0f ppm",
			snap.CO2.Value, limits.CO2MaxPPM)
	}
	return false, ""
}

func maxRuntimeExceeded(limits Limits, snap Snapshot) (bool, string) {
	if limits.MaxRuntime <= 0 {
		return false, ""
	}
	for equipment, since := range snap.RunSince {
		if snap.Now.Sub(since) > limits.MaxRuntime {
			return true, fmt.Sprintf("equipment %s running %s, limit %s",
				equipment, snap.Now.Sub(since).Round(time.Second), limits.MaxRuntime)
		}
	}
	return false, ""
}

func concurrencyLimit(_ Limits, snap Snapshot) (bool, string) {
	if snap.ScopeLimit <= 0 {
		return false, ""
	}
	if snap.ScopeInFlight >= snap.ScopeLimit {
		return true, fmt.Sprintf("%d commands in flight, scope limit %d",
			snap.ScopeInFlight, snap.ScopeLimit)
	}
	return false, ""
}

func staleTelemetry(limits Limits, snap Snapshot) (bool, string) {
	if limits.StaleAfter <= 0 {
		return false, ""
	}
	// Actuation that depends on a sensor is unsafe when that sensor's last
	// value predates the staleness threshold.
	for _, r := range []*types.Reading{snap.TankLevel, snap.EC, snap.PH, snap.Flow} {
		if r == nil {
			continue
		}
		if snap.Now.Sub(r.SourceTime) > limits.StaleAfter {
			return true, fmt.Sprintf("stream %s last reported %s ago",
				r.StreamID, snap.Now.Sub(r.SourceTime).Round(time.Second))
		}
	}
	return false, ""
}

func deviceTimeout(limits Limits, snap Snapshot) (bool, string) {
	if limits.DeviceTimeout <= 0 {
		return false, ""
	}
	for equipment, seen := range snap.LastSeen {
		if snap.Now.Sub(seen) > limits.DeviceTimeout {
			return true, fmt.Sprintf("device %s silent for %s",
				equipment, snap.Now.Sub(seen).Round(time.Second))
		}
	}
	return false, ""
}

func curfewWindow(_ Limits, snap Snapshot) (bool, string) {
	if snap.CurfewStart == snap.CurfewEnd {
		return false, ""
	}
	minute := snap.Now.Hour()*60 + snap.Now.Minute()
	inWindow := false
	if snap.CurfewStart < snap.CurfewEnd {
		inWindow = minute >= snap.CurfewStart && minute < snap.CurfewEnd
	} else {
		// Window wraps midnight.
		inWindow = minute >= snap.CurfewStart || minute < snap.CurfewEnd
	}
	if inWindow {
		return true, fmt.Sprintf("inside curfew window %02d:%02d-%02d:%02d",
			snap.CurfewStart/60, snap.CurfewStart%60, snap.CurfewEnd/60, snap.CurfewEnd%60)
	}
	return false, ""
}

func flowAnomaly(limits Limits, snap Snapshot) (bool, string) {
	if snap.Flow == nil {
		return false, ""
	}
	if limits.FlowMaxLPM > 0 && snap.Flow.Value > limits.FlowMaxLPM {
		return true, fmt.Sprintf("flow %.1f L/min above ceiling %.1f L/min",
			snap.Flow.Value, limits.FlowMaxLPM)
	}
	if snap.FlowOpen && limits.FlowMinLPM > 0 && snap.Flow.Value < limits.FlowMinLPM {
		return true, fmt.Sprintf("line open but flow %.1f L/min below %.1f L/min",
			snap.Flow.Value, limits.FlowMinLPM)
	}
	return false, ""
}
