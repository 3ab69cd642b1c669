package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/t77yq/proctor-alerts/internal/model"
)

// Metrics holds the ingestion Prometheus metrics
type Metrics struct {
	Requests *prometheus.CounterVec
	Alerts   *prometheus.CounterVec
	Latency  prometheus.Histogram
}

// NewMetrics creates the ingestion metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Requests by terminal stage: acknowledged, rejected, failed
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_ingest_requests_total",
			Help: "Total number of alert submissions by terminal stage",
		}, []string{"stage"}),

		Alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_alerts_total",
			Help: "Total number of accepted alerts by severity",
		}, []string{"severity"}),

		Latency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "proctor_ingest_duration_seconds",
			Help:    "Alert submission latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
}

// RecordOutcome implements ingest.Recorder
func (m *Metrics) RecordOutcome(stage string) {
	m.Requests.WithLabelValues(stage).Inc()
}

// RecordAlert implements ingest.Recorder
func (m *Metrics) RecordAlert(severity model.Severity) {
	m.Alerts.WithLabelValues(string(severity)).Inc()
}

// RecordLatency implements ingest.Recorder
func (m *Metrics) RecordLatency(d time.Duration) {
	m.Latency.Observe(d.Seconds())
}
