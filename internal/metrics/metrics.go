// Package metrics registers the Prometheus instrumentation for the sync
// core itself (queue depth, drain duration, conflict counts, quota
// pressure, network state), distinct from internal/api/middleware's
// generic HTTP metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth reports the number of pending operations at last observation.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "goatsync",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of pending operations in the sync queue.",
	})

	// QueueFailedTotal counts operations that exhausted their retry budget.
	QueueFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "goatsync",
		Subsystem: "queue",
		Name:      "failed_total",
		Help:      "Total operations that exhausted max retries.",
	})

	// DrainDurationSeconds observes how long each sync drain took.
	DrainDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "goatsync",
		Subsystem: "sync",
		Name:      "drain_duration_seconds",
		Help:      "Duration of one OperationQueue drain pass.",
		Buckets:   prometheus.DefBuckets,
	})

	// SyncResultTotal counts drain outcomes by status (success/error).
	SyncResultTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "goatsync",
		Subsystem: "sync",
		Name:      "result_total",
		Help:      "Sync drain outcomes by status.",
	}, []string{"status"})

	// ConflictsDetectedTotal counts conflicts raised by kind.
	ConflictsDetectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "goatsync",
		Subsystem: "conflict",
		Name:      "detected_total",
		Help:      "Conflicts detected, labeled by kind.",
	}, []string{"kind"})

	// ConflictsResolvedTotal counts conflicts resolved by strategy.
	ConflictsResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "goatsync",
		Subsystem: "conflict",
		Name:      "resolved_total",
		Help:      "Conflicts resolved, labeled by resolution strategy.",
	}, []string{"strategy"})

	// QuotaUsageRatio reports used/quota bytes as a 0..1 ratio.
	QuotaUsageRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "goatsync",
		Subsystem: "quota",
		Name:      "usage_ratio",
		Help:      "Fraction of storage quota currently used.",
	})

	// QuotaPrunedBytesTotal counts bytes freed by the prune pipeline.
	QuotaPrunedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "goatsync",
		Subsystem: "quota",
		Name:      "pruned_bytes_total",
		Help:      "Total bytes freed by QuotaGovernor prune strategies.",
	})

	// NetworkState reports the current connectivity state as a gauge, one
	// per known state value (1 for the active state, 0 otherwise).
	NetworkState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "goatsync",
		Subsystem: "network",
		Name:      "state",
		Help:      "Current NetworkSensor state (1 = active, 0 = inactive), labeled by state name.",
	}, []string{"state"})
)

// SetNetworkState flips the gauge for state to 1 and every other known
// state to 0.
func SetNetworkState(states []string, active string) {
	for _, s := range states {
		v := 0.0
		if s == active {
			v = 1.0
		}
		NetworkState.WithLabelValues(s).Set(v)
	}
}
