package timer

import "github.com/prometheus/client_golang/prometheus"

var boundaryDispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "timer",
	Name:      "boundary_dispatches_total",
	Help:      "One-shot boundary notifications fired by trackers.",
}, []string{"boundary"})

func init() {
	prometheus.MustRegister(boundaryDispatches)
}
