package types

import (
	"time"

	"github.com/c360/growplane/errors"
)

// CommandType names the actuation a device should perform.
type CommandType string

// Actuator command types
const (
	CommandOpenValve   CommandType = "open_valve"
	CommandCloseValve  CommandType = "close_valve"
	CommandStartPump   CommandType = "start_pump"
	CommandStopPump    CommandType = "stop_pump"
	CommandStartInject CommandType = "start_inject"
	CommandStopInject  CommandType = "stop_inject"
	// CommandCloseAll is the designated safe-state command, normally sent
	// with Emergency priority.
	CommandCloseAll CommandType = "close_all"
)

// StartsRun reports whether the command begins a continuous actuation run
// on its equipment (valve opened, pump or injector started).
func (t CommandType) StartsRun() bool {
	switch t {
	case CommandOpenValve, CommandStartPump, CommandStartInject:
		return true
	}
	return false
}

// StopsRun reports whether the command ends a continuous actuation run.
func (t CommandType) StopsRun() bool {
	switch t {
	case CommandCloseValve, CommandStopPump, CommandStopInject, CommandCloseAll:
		return true
	}
	return false
}

// CommandPriority orders dispatch. Emergency bypasses interlock gating.
type CommandPriority int

// Dispatch priorities, lowest to highest
const (
	PriorityLow CommandPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityEmergency
)

// String returns the string representation of CommandPriority
func (p CommandPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// CommandStatus is the outbox state of a device command.
type CommandStatus string

// Command lifecycle states
const (
	StatusPending         CommandStatus = "pending"
	StatusSent            CommandStatus = "sent"
	StatusAcknowledged    CommandStatus = "acknowledged"
	StatusCompleted       CommandStatus = "completed"
	StatusFailed          CommandStatus = "failed"
	StatusFailedPermanent CommandStatus = "failed_permanent"
	StatusCancelled       CommandStatus = "cancelled"
	StatusTimedOut        CommandStatus = "timed_out"
)

// Terminal reports whether the status admits no further transitions.
func (s CommandStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailedPermanent, StatusCancelled:
		return true
	}
	return false
}

// InFlight reports whether the command currently occupies a concurrency
// slot on its scope (Sent or Acknowledged).
func (s CommandStatus) InFlight() bool {
	return s == StatusSent || s == StatusAcknowledged
}

// DeviceCommand is one actuation request, owned exclusively by the Command
// Outbox from creation to terminal status.
type DeviceCommand struct {
	ID          string `json:"id"`
	SiteID      string `json:"site_id"`
	EquipmentID string `json:"equipment_id"`
	Channel     string `json:"channel,omitempty"`
	// Scope is the physical contention group (usually the zone) whose
	// concurrency limit the command counts against.
	Scope       string            `json:"scope"`
	Type        CommandType       `json:"type"`
	Priority    CommandPriority   `json:"priority"`
	Payload     map[string]string `json:"payload,omitempty"`
	RequestedBy string            `json:"requested_by,omitempty"`

	Status        CommandStatus `json:"status"`
	BlockedReason string        `json:"blocked_reason,omitempty"`
	RetryCount    int           `json:"retry_count"`
	MaxRetries    int           `json:"max_retries"`
	LastError     string        `json:"last_error,omitempty"`

	RequestedAt time.Time  `json:"requested_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	AckedAt     *time.Time `json:"acked_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Validate checks structural validity of a command request.
func (c *DeviceCommand) Validate() error {
	if c.EquipmentID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "DeviceCommand", "Validate", "equipment_id is required")
	}
	if c.Type == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "DeviceCommand", "Validate", "type is required")
	}
	if c.Priority < PriorityLow || c.Priority > PriorityEmergency {
		return errors.WrapInvalid(errors.ErrInvalidData, "DeviceCommand", "Validate", "priority out of range")
	}
	if c.MaxRetries < 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "DeviceCommand", "Validate", "max_retries cannot be negative")
	}
	return nil
}
