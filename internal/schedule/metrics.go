package schedule

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	conflictsDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "schedule",
		Name:      "conflicts_detected_total",
		Help:      "Candidate intervals rejected for overlapping an existing visit.",
	})

	tracer = otel.Tracer("github.com/example/visit-lifecycle-engine/schedule")
)

func init() {
	prometheus.MustRegister(conflictsDetected)
}
