package ingest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/growplane/metric"
)

// Metrics tracks ingest pipeline throughput. Nil-safe: a pipeline built
// without metrics records nothing.
type Metrics struct {
	accepted      *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	duplicates    prometheus.Counter
	batchDuration prometheus.Histogram
}

// NewMetrics creates and registers ingest metrics.
func NewMetrics(registry *metric.MetricsRegistry) *Metrics {
	m := &Metrics{
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_readings_accepted_total",
			Help: "Readings accepted by the ingest pipeline, by quality code",
		}, []string{"quality"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_readings_rejected_total",
			Help: "Readings rejected by the ingest pipeline, by reason",
		}, []string{"reason"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_readings_duplicate_total",
			Help: "Readings dropped as duplicates",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_batch_duration_seconds",
			Help:    "Time spent processing one ingest batch",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
	}

	serviceName := "ingest"
	registry.RegisterCounterVec(serviceName, "ingest_readings_accepted_total", m.accepted)
	registry.RegisterCounterVec(serviceName, "ingest_readings_rejected_total", m.rejected)
	registry.RegisterCounter(serviceName, "ingest_readings_duplicate_total", m.duplicates)
	registry.RegisterHistogram(serviceName, "ingest_batch_duration_seconds", m.batchDuration)
	return m
}

func (m *Metrics) recordAccepted(quality string) {
	if m == nil {
		return
	}
	m.accepted.WithLabelValues(quality).Inc()
}

func (m *Metrics) recordRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) observeBatch(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(elapsed.Seconds())
}
