package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/example/visit-lifecycle-engine/internal/types"
)

func TestStatusForErrorTaxonomy(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{types.ErrForbidden, http.StatusForbidden},
		{types.ErrConflict, http.StatusConflict},
		{types.ErrNotFound, http.StatusNotFound},
		{types.ErrInvalidInterval, http.StatusUnprocessableEntity},
		{types.ErrUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("start visit: %w", types.ErrConflict), http.StatusConflict},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestParseInterval(t *testing.T) {
	start := "2026-03-04T10:00:00Z"
	end := "2026-03-04T11:00:00Z"

	iv, err := parseInterval(start, end)
	if err != nil {
		t.Fatalf("parse interval: %v", err)
	}
	if iv.Duration() != time.Hour {
		t.Fatalf("duration = %s, want 1h", iv.Duration())
	}

	if _, err := parseInterval("not-a-time", end); err == nil {
		t.Fatal("expected error for malformed start")
	}
	if _, err := parseInterval(start, ""); err == nil {
		t.Fatal("expected error for missing end")
	}
}
