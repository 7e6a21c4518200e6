// Package metrics holds the Prometheus instrumentation for the dispatcher
// and the HTTP surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles every collector the core emits. One Set is registered per
// process.
type Set struct {
	SubmissionsAdmitted prometheus.Counter
	RunsCompleted       *prometheus.CounterVec
	RunDuration         prometheus.Histogram
	WorkersConnected    prometheus.Gauge
	Reconnects          prometheus.Counter
	QueueDepth          prometheus.Gauge
}

// NewSet builds the collector set and registers it with reg.
func NewSet(reg prometheus.Registerer) *Set {
	s := &Set{
		SubmissionsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "submissions_admitted_total",
			Help:      "Submissions accepted into the admission queue.",
		}),
		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "judge_runs_completed_total",
			Help:      "Judge runs finished, labelled by final status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arbiter",
			Name:      "judge_run_duration_seconds",
			Help:      "Wall-clock duration of one judge run.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		WorkersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arbiter",
			Name:      "judge_workers_connected",
			Help:      "Open judge worker connections.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "judge_worker_reconnects_total",
			Help:      "Reconnect attempts against judge workers.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arbiter",
			Name:      "admission_queue_depth",
			Help:      "Submissions waiting for a free worker.",
		}),
	}

	reg.MustRegister(
		s.SubmissionsAdmitted,
		s.RunsCompleted,
		s.RunDuration,
		s.WorkersConnected,
		s.Reconnects,
		s.QueueDepth,
	)
	return s
}
