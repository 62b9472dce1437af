package watch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	hubSubscriptions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "watch",
		Name:      "subscriptions",
		Help:      "Active change-stream subscriptions per visit.",
	}, []string{"visit"})

	droppedUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watch",
		Name:      "dropped_updates_total",
		Help:      "Snapshots dropped because a subscriber buffer was full.",
	}, []string{"visit"})

	staleDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "watch",
		Name:      "stale_snapshots_total",
		Help:      "Snapshots discarded for carrying an already-delivered revision.",
	})

	reorderFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "watch",
		Name:      "reorder_flushes_total",
		Help:      "Times the sequencer gave up waiting on a revision gap.",
	})

	relayPublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "watch",
		Name:      "relay_publish_failures_total",
		Help:      "Confirmed snapshots that could not be published to Redis.",
	})

	relayLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "watch",
		Name:      "relay_latency_seconds",
		Help:      "Observed latency between publish and pub/sub delivery.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	})

	alertsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watch",
		Name:      "alerts_dispatched_total",
		Help:      "Boundary notifications handed to the delivery collaborator.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(hubSubscriptions, droppedUpdates, staleDrops, reorderFlushes, relayPublishFailures, relayLatency, alertsDispatched)
}
