package alert

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/growplane/metric"
)

// Metrics tracks alert engine activity. Nil-safe.
type Metrics struct {
	evaluations *prometheus.CounterVec
	fired       *prometheus.CounterVec
	suppressed  prometheus.Counter
	cleared     prometheus.Counter
}

// NewMetrics creates and registers alert metrics.
func NewMetrics(registry *metric.MetricsRegistry) *Metrics {
	m := &Metrics{
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alert_evaluations_total",
			Help: "Rule evaluations performed, by rule type",
		}, []string{"rule_type"}),
		fired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alert_instances_fired_total",
			Help: "Alert instances fired, by severity",
		}, []string{"severity"}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alert_fires_suppressed_total",
			Help: "Fires suppressed by the cooldown window",
		}),
		cleared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alert_instances_cleared_total",
			Help: "Alert instances cleared",
		}),
	}

	serviceName := "alert"
	registry.RegisterCounterVec(serviceName, "alert_evaluations_total", m.evaluations)
	registry.RegisterCounterVec(serviceName, "alert_instances_fired_total", m.fired)
	registry.RegisterCounter(serviceName, "alert_fires_suppressed_total", m.suppressed)
	registry.RegisterCounter(serviceName, "alert_instances_cleared_total", m.cleared)
	return m
}

func (m *Metrics) recordEvaluation(ruleType string) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(ruleType).Inc()
}

func (m *Metrics) recordFired(severity string) {
	if m == nil {
		return
	}
	m.fired.WithLabelValues(severity).Inc()
}

func (m *Metrics) recordSuppressed() {
	if m == nil {
		return
	}
	m.suppressed.Inc()
}

func (m *Metrics) recordCleared() {
	if m == nil {
		return
	}
	m.cleared.Inc()
}
