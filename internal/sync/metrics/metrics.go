// Package metrics exposes Prometheus instrumentation for the sync queue.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	EntriesEnqueued *prometheus.CounterVec
	EntriesReplayed *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	Conflicts       *prometheus.CounterVec
	Resolutions     *prometheus.CounterVec
	DeadLetters     prometheus.Counter
	DrainSeconds    prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		EntriesEnqueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "caretrack_sync_entries_enqueued_total",
			Help: "Queue entries accepted, by entity type and priority.",
		}, []string{"entity_type", "priority"}),
		EntriesReplayed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "caretrack_sync_entries_replayed_total",
			Help: "Replay attempts, by outcome.",
		}, []string{"outcome"}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "caretrack_sync_queue_depth",
			Help: "Open queue entries, by status.",
		}, []string{"status"}),
		Conflicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "caretrack_sync_conflicts_total",
			Help: "Conflicts detected during replay, by type.",
		}, []string{"type"}),
		Resolutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "caretrack_sync_conflict_resolutions_total",
			Help: "Conflict resolutions, by strategy.",
		}, []string{"strategy"}),
		DeadLetters: promauto.NewCounter(prometheus.CounterOpts{
			Name: "caretrack_sync_dead_letters_total",
			Help: "Entries that exhausted their retry budget.",
		}),
		DrainSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "caretrack_sync_drain_seconds",
			Help:    "Duration of per-device queue drains.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
