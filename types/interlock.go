package types

import "time"

// InterlockType names a safety condition that blocks actuation while
// tripped.
type InterlockType string

// Safety interlock types
const (
	InterlockEmergencyStop      InterlockType = "emergency_stop"
	InterlockDoorOpen           InterlockType = "door_open"
	InterlockTankLevelLow       InterlockType = "tank_level_low"
	InterlockECOutOfBounds      InterlockType = "ec_out_of_bounds"
	InterlockPHOutOfBounds      InterlockType = "ph_out_of_bounds"
	InterlockCO2Lockout         InterlockType = "co2_lockout"
	InterlockMaxRuntimeExceeded InterlockType = "max_runtime_exceeded"
	InterlockConcurrencyLimit   InterlockType = "concurrency_limit_exceeded"
	InterlockStaleTelemetry     InterlockType = "stale_telemetry"
	InterlockDeviceTimeout      InterlockType = "device_timeout"
	InterlockCurfewWindow       InterlockType = "curfew_window"
	InterlockFlowAnomaly        InterlockType = "flow_anomaly"
)

// InterlockTrip is one tripped safety condition. Trips are derived state,
// recomputed per evaluation cycle and cached only as the last evaluation
// result.
type InterlockTrip struct {
	Type      InterlockType `json:"type"`
	TrippedAt time.Time     `json:"tripped_at"`
	ClearedAt *time.Time    `json:"cleared_at,omitempty"`
	// Detail explains what tripped the condition (stream, value, limit).
	Detail string `json:"detail"`
}

// SiteContext carries the tenant/site scoping every call is implicitly
// scoped by. Supplied by the identity provider collaborator.
type SiteContext struct {
	OrgID  string `json:"org_id"`
	SiteID string `json:"site_id"`
}
