// Package metrics provides Prometheus metrics for the price estimation service.
// It covers estimate throughput and latency, fallback usage, the age and
// composition of the active snapshot, training runs, and the HTTP surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the service.
type Metrics struct {
	// Estimation metrics
	EstimatesTotal   *prometheus.CounterVec // Successful estimates by source tier
	EstimateFailures *prometheus.CounterVec // Failed estimates by kind
	EstimateLatency  prometheus.Histogram   // End-to-end estimate latency
	FallbackUse      *prometheus.CounterVec // Fallback steps taken, from -> to
	UnseenCategories prometheus.Counter     // Categorical inputs replaced by a neutral code

	// Snapshot metrics
	SnapshotAge      prometheus.Gauge     // Age of the active snapshot in seconds
	SnapshotSegments *prometheus.GaugeVec // Segments of the active snapshot by tier

	// Training metrics
	TrainingRuns            prometheus.Counter       // Completed training runs
	TrainingDuration        prometheus.Histogram     // Duration of a full training run
	SegmentsTrained         *prometheus.CounterVec   // Segments trained by tier
	SegmentTrainingDuration *prometheus.HistogramVec // Per-segment training duration by tier
	TrainingMeanMAE         prometheus.Gauge         // Mean absolute error across model segments of the last run
	TrainingMeanR2          prometheus.Gauge         // Mean R² across model segments of the last run

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec // Requests by route and status code

	// System metrics
	ErrorsTotal prometheus.Counter // Total number of errors encountered
}

// New creates and registers all metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		EstimatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "estimates_total",
			Help: "Total number of successful price estimates by source tier",
		}, []string{"source"}),
		EstimateFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "estimate_failures_total",
			Help: "Total number of failed price estimates by kind",
		}, []string{"kind"}),
		EstimateLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "estimate_latency_seconds",
			Help:    "Price estimate latency in seconds (end-to-end)",
			Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),
		FallbackUse: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "estimate_fallback_total",
			Help: "Total number of fallback steps taken during estimation",
		}, []string{"from", "to"}),
		UnseenCategories: factory.NewCounter(prometheus.CounterOpts{
			Name: "estimate_unseen_categories_total",
			Help: "Total number of categorical inputs not seen during training",
		}),
		SnapshotAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "snapshot_age_seconds",
			Help: "Age of the active snapshot in seconds",
		}),
		SnapshotSegments: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snapshot_segments",
			Help: "Number of segments in the active snapshot by tier",
		}, []string{"tier"}),
		TrainingRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "training_runs_total",
			Help: "Total number of completed training runs",
		}),
		TrainingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "training_duration_seconds",
			Help:    "Duration of training runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		SegmentsTrained: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "segments_trained_total",
			Help: "Total number of segments trained by tier",
		}, []string{"tier"}),
		SegmentTrainingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "segment_training_duration_seconds",
			Help:    "Duration of training one segment in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"tier"}),
		TrainingMeanMAE: factory.NewGauge(prometheus.GaugeOpts{
			Name: "training_mean_mae",
			Help: "Mean absolute error across model segments of the last training run",
		}),
		TrainingMeanR2: factory.NewGauge(prometheus.GaugeOpts{
			Name: "training_mean_r2",
			Help: "Mean R² across model segments of the last training run",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by route and status code",
		}, []string{"route", "code"}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors encountered",
		}),
	}
}
