package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the event stream.
type Metrics struct {
	// WatchersActive is the number of currently attached watchers.
	WatchersActive prometheus.Gauge

	// EventsTotal counts fanned-out events by type and source.
	EventsTotal *prometheus.CounterVec

	// DroppedTotal counts events dropped because the backlog was full.
	DroppedTotal prometheus.Counter

	// FanoutSeconds observes how long one event took to reach every watcher.
	FanoutSeconds prometheus.Histogram
}

// NewMetrics registers the stream metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		WatchersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "watchers_active",
			Help:      "Number of dashboard watchers currently attached to the event stream.",
		}),
		EventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_total",
			Help:      "Events fanned out to watchers, labeled by type and source.",
		}, []string{"type", "source"}),
		DroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "dropped_total",
			Help:      "Events dropped because the delivery backlog was full.",
		}),
		FanoutSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "fanout_duration_seconds",
			Help:      "Time to deliver one event to every attached watcher.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
	}
}
