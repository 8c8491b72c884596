package outbox

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/growplane/metric"
)

// Metrics tracks outbox dispatch activity. Nil-safe.
type Metrics struct {
	submitted       *prometheus.CounterVec
	dispatched      prometheus.Counter
	blocked         *prometheus.CounterVec
	retries         prometheus.Counter
	failedPermanent prometheus.Counter
	completed       prometheus.Counter
	inFlight        prometheus.Gauge
}

// NewMetrics creates and registers outbox metrics.
func NewMetrics(registry *metric.MetricsRegistry) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_commands_submitted_total",
			Help: "Commands submitted to the outbox, by priority",
		}, []string{"priority"}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_commands_dispatched_total",
			Help: "Commands sent to the device transport",
		}),
		blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_dispatch_blocked_total",
			Help: "Dispatch decisions deferred by an interlock, by reason",
		}, []string{"reason"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_command_retries_total",
			Help: "Command resend attempts scheduled",
		}),
		failedPermanent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_commands_failed_permanent_total",
			Help: "Commands that exhausted their retries",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_commands_completed_total",
			Help: "Commands confirmed complete by the device",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_commands_in_flight",
			Help: "Commands currently sent or acknowledged",
		}),
	}

	serviceName := "outbox"
	registry.RegisterCounterVec(serviceName, "outbox_commands_submitted_total", m.submitted)
	registry.RegisterCounter(serviceName, "outbox_commands_dispatched_total", m.dispatched)
	registry.RegisterCounterVec(serviceName, "outbox_dispatch_blocked_total", m.blocked)
	registry.RegisterCounter(serviceName, "outbox_command_retries_total", m.retries)
	registry.RegisterCounter(serviceName, "outbox_commands_failed_permanent_total", m.failedPermanent)
	registry.RegisterCounter(serviceName, "outbox_commands_completed_total", m.completed)
	registry.RegisterGauge(serviceName, "outbox_commands_in_flight", m.inFlight)
	return m
}

func (m *Metrics) recordSubmitted(priority string) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(priority).Inc()
}

func (m *Metrics) recordDispatched() {
	if m == nil {
		return
	}
	m.dispatched.Inc()
}

func (m *Metrics) recordBlocked(reason string) {
	if m == nil {
		return
	}
	m.blocked.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) recordFailedPermanent() {
	if m == nil {
		return
	}
	m.failedPermanent.Inc()
}

func (m *Metrics) recordCompleted() {
	if m == nil {
		return
	}
	m.completed.Inc()
}

func (m *Metrics) setInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}
