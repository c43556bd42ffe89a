package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "userop"

// Metrics instruments the pipeline. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	added               prometheus.Counter
	finalized           *prometheus.CounterVec
	stageErrors         *prometheus.CounterVec
	confirmationLatency prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		added: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "user_operations_added_total",
				Help:      "The number of user operations accepted for approval",
			}),
		finalized: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "user_operations_finalized_total",
				Help:      "The number of user operations that reached a terminal status",
			}, []string{"status"}),
		stageErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "pipeline_stage_errors_total",
				Help:      "The number of pipeline failures by stage",
			}, []string{"stage"}),
		confirmationLatency: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "confirmation_latency_seconds",
				Help:      "Time from submission to an on-chain result",
				Buckets:   []float64{1, 2, 5, 10, 15, 30, 60, 120, 300},
			}),
	}
}

func (m *Metrics) incAdded() {
	if m == nil {
		return
	}
	m.added.Inc()
}

func (m *Metrics) incFinalized(status string) {
	if m == nil {
		return
	}
	m.finalized.WithLabelValues(status).Inc()
}

func (m *Metrics) incStageError(stage string) {
	if m == nil {
		return
	}
	m.stageErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) observeConfirmation(submittedAt *time.Time, now time.Time) {
	if m == nil || submittedAt == nil {
		return
	}
	m.confirmationLatency.Observe(now.Sub(*submittedAt).Seconds())
}
