package gateway

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTrackStreamBalancesGauge(t *testing.T) {
	gauge := watchConnections.WithLabelValues("visit")
	before := testutil.ToFloat64(gauge)

	release := trackStream("visit")
	if got := testutil.ToFloat64(gauge); got != before+1 {
		t.Fatalf("open stream gauge = %v, want %v", got, before+1)
	}

	release()
	if got := testutil.ToFloat64(gauge); got != before {
		t.Fatalf("released stream gauge = %v, want %v", got, before)
	}
}
