package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains platform-level metrics shared across components.
// Domain-specific metrics (ingest outcomes, outbox transitions, alert
// fires) live with their components and register through MetricsRegistry.
type Metrics struct {
	// Component metrics
	ComponentStatus    *prometheus.GaugeVec
	ErrorsTotal        *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "growplane",
				Subsystem: "component",
				Name:      "status",
				Help:      "Component status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"component"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "growplane",
				Subsystem: "errors",
				Name:      "total",
				Help:      "total number of errors by component and class",
			},
			[]string{"component", "class"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "growplane",
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"component", "operation"},
		),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "growplane",
			Subsystem: "nats",
			Name:      "connected",
			Help:      "Whether the NATS connection is up (1) or down (0)",
		}),

		NATSRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "growplane",
			Subsystem: "nats",
			Name:      "rtt_seconds",
			Help:      "Round-trip time to the NATS server",
		}),

		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "growplane",
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total NATS reconnect events",
		}),

		NATSCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "growplane",
			Subsystem: "nats",
			Name:      "circuit_open",
			Help:      "Whether the NATS circuit breaker is open (1) or closed (0)",
		}),
	}
}

func (m *Metrics) register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.ComponentStatus,
		m.ErrorsTotal,
		m.ProcessingDuration,
		m.NATSConnected,
		m.NATSRTT,
		m.NATSReconnects,
		m.NATSCircuitBreaker,
	)
}
