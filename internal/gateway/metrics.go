package gateway

import "github.com/prometheus/client_golang/prometheus"

var watchConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "gateway",
	Name:      "watch_connections",
	Help:      "Open websocket streams per kind (visit timer or worker day).",
}, []string{"stream"})

func init() {
	prometheus.MustRegister(watchConnections)
}

// trackStream counts an open stream and returns its release.
func trackStream(stream string) func() {
	gauge := watchConnections.WithLabelValues(stream)
	gauge.Inc()
	return gauge.Dec
}
