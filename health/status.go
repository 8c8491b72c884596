// Package health provides health reporting and aggregation for
// control-plane components.
package health

import (
	"regexp"
	"time"

	"github.com/c360/growplane/component"
)

// Error messages surfaced through health endpoints can leak connection
// strings; these patterns scrub the common offenders.
var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|wss?)://[^\s]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status represents the health state of a component or the whole plane.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // "healthy", "unhealthy", "degraded"
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics carries health-adjacent counters for a component.
type Metrics struct {
	Uptime       time.Duration `json:"uptime"`
	ErrorCount   int           `json:"error_count"`
	LastActivity time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy returns true if the status is healthy.
func (s Status) IsHealthy() bool {
	return s.Status == "healthy"
}

// IsDegraded returns true if the status is degraded.
func (s Status) IsDegraded() bool {
	return s.Status == "degraded"
}

// IsUnhealthy returns true if the status is unhealthy.
func (s Status) IsUnhealthy() bool {
	return s.Status == "unhealthy"
}

// WithMetrics returns a copy of the status with metrics attached.
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

func sanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	msg = credentialRegex.ReplaceAllString(msg, "[REDACTED]")
	return msg
}

// FromComponentHealth converts a component.HealthStatus to a health.Status.
// Error messages are sanitized before they reach an HTTP surface.
func FromComponentHealth(name string, ch component.HealthStatus) Status {
	status := "unhealthy"
	message := "component healthy"
	if ch.Healthy {
		status = "healthy"
	}
	if ch.LastError != "" {
		message = sanitizeErrorMessage(ch.LastError)
	}

	return Status{
		Component: name,
		Healthy:   ch.Healthy,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Metrics: &Metrics{
			Uptime:       ch.Uptime,
			ErrorCount:   ch.ErrorCount,
			LastActivity: ch.LastCheck,
		},
	}
}
