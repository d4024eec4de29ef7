// Package metrics defines the Prometheus collectors for the serving and job
// planes. A single Set is created at startup and handed to the services that
// record into it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "modelplane"

// Set bundles every collector the control plane records into.
type Set struct {
	// Serving plane.
	PredictionsTotal  *prometheus.CounterVec // labels: model_id, degraded
	PredictionLatency prometheus.Histogram
	PredictionDropped prometheus.Counter

	// Job plane.
	JobsTotal  *prometheus.CounterVec // labels: kind, state
	QueueDepth *prometheus.GaugeVec   // labels: kind
	JobRetries prometheus.Counter

	// Monitoring plane.
	AlertsTotal *prometheus.CounterVec // labels: severity
	DriftValue  *prometheus.GaugeVec   // labels: model_id, metric, feature
}

// NewSet registers all collectors with reg and returns the set.
func NewSet(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)

	return &Set{
		PredictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Predictions served, by model and degraded flag.",
		}, []string{"model_id", "degraded"}),

		PredictionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_latency_seconds",
			Help:      "End-to-end prediction latency.",
			// The p99 budget is 100ms; buckets bracket it.
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),

		PredictionDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prediction_log_dropped_total",
			Help:      "Prediction log records dropped after the disk spill failed.",
		}),

		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Job terminal states, by kind.",
		}, []string{"kind", "state"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_queue_depth",
			Help:      "Queued jobs per kind at the last scheduler poll.",
		}, []string{"kind"}),

		JobRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Jobs requeued by the stale-lease sweeper.",
		}),

		AlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts created, by severity. Dedup merges do not count.",
		}, []string{"severity"}),

		DriftValue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "drift_metric_value",
			Help:      "Latest drift metric value per model, metric and feature.",
		}, []string{"model_id", "metric", "feature"}),
	}
}
