package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	transitionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "visits",
		Name:      "transition_seconds",
		Help:      "Latency for guarded visit status transitions.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"op"})

	guardConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "visits",
		Name:      "guard_conflicts_total",
		Help:      "Transitions rejected because the status guard no longer matched.",
	}, []string{"op"})

	dayQueryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "visits",
		Name:      "day_query_seconds",
		Help:      "Latency for worker-day schedule queries.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	tracer = otel.Tracer("github.com/example/visit-lifecycle-engine/storage")
)

func init() {
	prometheus.MustRegister(transitionLatency, guardConflicts, dayQueryLatency)
}
