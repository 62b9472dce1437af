package types

import (
	"testing"
	"time"
)

func TestIntervalOverlaps(t *testing.T) {
	day := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	at := func(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }
	iv := func(sh, sm, eh, em int) Interval { return Interval{Start: at(sh, sm), End: at(eh, em)} }

	cases := []struct {
		name string
		a, b Interval
		want bool
	}{
		{"identical", iv(10, 0, 11, 0), iv(10, 0, 11, 0), true},
		{"partial overlap", iv(10, 30, 11, 30), iv(10, 0, 11, 0), true},
		{"contained", iv(10, 15, 10, 45), iv(10, 0, 11, 0), true},
		{"back to back", iv(11, 0, 12, 0), iv(10, 0, 11, 0), false},
		{"back to back reversed", iv(9, 0, 10, 0), iv(10, 0, 11, 0), false},
		{"disjoint", iv(14, 0, 15, 0), iv(10, 0, 11, 0), false},
	}

	for _, tc := range cases {
		if got := tc.a.Overlaps(tc.b); got != tc.want {
			t.Errorf("%s: %s overlaps %s = %v, want %v", tc.name, tc.a, tc.b, got, tc.want)
		}
		if got := tc.b.Overlaps(tc.a); got != tc.want {
			t.Errorf("%s (symmetric): got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIntervalValid(t *testing.T) {
	now := time.Now()
	if (Interval{Start: now, End: now}).Valid() {
		t.Fatal("zero-length interval should be invalid")
	}
	if (Interval{Start: now.Add(time.Hour), End: now}).Valid() {
		t.Fatal("reversed interval should be invalid")
	}
	if !(Interval{Start: now, End: now.Add(time.Hour)}).Valid() {
		t.Fatal("forward interval should be valid")
	}
}

func TestVisitValidate(t *testing.T) {
	start := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	base := Visit{
		ID:        "visit-1",
		Worker:    "worker-1",
		Client:    "client-1",
		Scheduled: Interval{Start: start, End: start.Add(time.Hour)},
	}
	checkIn := &Stamp{At: start.Add(15 * time.Minute)}
	checkOut := &Stamp{At: start.Add(50 * time.Minute)}

	cases := []struct {
		name    string
		mutate  func(*Visit)
		wantErr bool
	}{
		{"scheduled empty timeline", func(v *Visit) {
			v.Status = StatusScheduled
		}, false},
		{"scheduled with check-in", func(v *Visit) {
			v.Status = StatusScheduled
			v.Timeline.CheckIn = checkIn
		}, true},
		{"in progress with check-in", func(v *Visit) {
			v.Status = StatusInProgress
			v.Timeline.CheckIn = checkIn
		}, false},
		{"in progress without check-in", func(v *Visit) {
			v.Status = StatusInProgress
		}, true},
		{"in progress with check-out", func(v *Visit) {
			v.Status = StatusInProgress
			v.Timeline = Timeline{CheckIn: checkIn, CheckOut: checkOut}
		}, true},
		{"completed with both marks", func(v *Visit) {
			v.Status = StatusCompleted
			v.Timeline = Timeline{CheckIn: checkIn, CheckOut: checkOut}
		}, false},
		{"completed missing check-out", func(v *Visit) {
			v.Status = StatusCompleted
			v.Timeline = Timeline{CheckIn: checkIn}
		}, true},
		{"completed reversed marks", func(v *Visit) {
			v.Status = StatusCompleted
			v.Timeline = Timeline{CheckIn: checkOut, CheckOut: checkIn}
		}, true},
		{"check-out without check-in", func(v *Visit) {
			v.Status = StatusCompleted
			v.Timeline = Timeline{CheckOut: checkOut}
		}, true},
		{"unknown status", func(v *Visit) {
			v.Status = Status("paused")
		}, true},
		{"invalid interval", func(v *Visit) {
			v.Status = StatusScheduled
			v.Scheduled.End = v.Scheduled.Start
		}, true},
	}

	for _, tc := range cases {
		v := base
		tc.mutate(&v)
		err := v.Validate()
		if tc.wantErr && err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
		}
	}
}

func TestStatusActive(t *testing.T) {
	if StatusCanceled.Active() {
		t.Fatal("canceled visits must release their interval")
	}
	for _, s := range []Status{StatusScheduled, StatusInProgress, StatusCompleted} {
		if !s.Active() {
			t.Fatalf("%s should still occupy its interval", s)
		}
	}
}
