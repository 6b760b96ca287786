// Package metrics exposes Prometheus instrumentation for the replica
// engine, grounded on the teacher's pkg/metrics/broker.go counter/gauge
// set but renamed to the replication domain.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SweepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replicad_sweeps_total",
		Help: "Total number of replay sweeps by outcome (suspend/continue/error).",
	}, []string{"target", "outcome"})

	SegmentsReplayedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replicad_segments_replayed_total",
		Help: "Total number of segments fully replayed and deleted.",
	}, []string{"target"})

	SegmentsFastForwardedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replicad_segments_fast_forwarded_total",
		Help: "Total number of segments skipped because they were already present in the local database.",
	}, []string{"target"})

	BlocksAppliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replicad_blocks_applied_total",
		Help: "Total number of blocks fed to the applier, including rewound blocks.",
	}, []string{"target"})

	ConflictResolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replicad_conflict_resolutions_total",
		Help: "Total number of times the applier deviated from the straightforward insert/update/delete path.",
	}, []string{"target", "kind"})

	ActiveTransactions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "replicad_active_transactions",
		Help: "Current number of in-flight replica transactions per target.",
	}, []string{"target"})

	ReplicationLagSegments = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "replicad_lag_segments",
		Help: "Number of queued segments not yet replayed for a target.",
	}, []string{"target"})

	SweepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "replicad_sweep_duration_seconds",
		Help:    "Duration of a single replay sweep.",
		Buckets: prometheus.DefBuckets,
	}, []string{"target"})
)

func init() {
	prometheus.MustRegister(
		SweepsTotal,
		SegmentsReplayedTotal,
		SegmentsFastForwardedTotal,
		BlocksAppliedTotal,
		ConflictResolutionsTotal,
		ActiveTransactions,
		ReplicationLagSegments,
		SweepDuration,
	)
}
