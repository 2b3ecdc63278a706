package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the verification pipeline.
type Metrics struct {
	ClockEvents       *prometheus.CounterVec
	GeofenceFailures  *prometheus.CounterVec
	GeofenceOverrides prometheus.Counter
	Submissions       *prometheus.CounterVec
	SubmissionSeconds *prometheus.HistogramVec
}

// New creates and registers all pipeline metrics.
func New() *Metrics {
	return &Metrics{
		ClockEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "caretrack_clock_events_total",
			Help: "Clock-in/out events by kind and outcome",
		}, []string{"kind", "outcome"}),
		GeofenceFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "caretrack_geofence_failures_total",
			Help: "Failed geofence checks by jurisdiction",
		}, []string{"jurisdiction"}),
		GeofenceOverrides: promauto.NewCounter(prometheus.CounterOpts{
			Name: "caretrack_geofence_overrides_total",
			Help: "Documented coordinator overrides of failed geofence checks",
		}),
		Submissions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "caretrack_submissions_total",
			Help: "Aggregator submissions by vendor and outcome",
		}, []string{"aggregator", "outcome"}),
		SubmissionSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caretrack_submission_duration_seconds",
			Help:    "Aggregator submission round-trip duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"aggregator"}),
	}
}
