package timer

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/visit-lifecycle-engine/internal/types"
	"github.com/example/visit-lifecycle-engine/internal/watch"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock {
	return &fakeClock{now: at}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	c.now = at
	c.mu.Unlock()
}

type fakeNotifier struct {
	mu        sync.Mutex
	approach  int
	overtime  int
	lastVisit types.VisitID
}

func (n *fakeNotifier) OnApproachingEnd(id types.VisitID) {
	n.mu.Lock()
	n.approach++
	n.lastVisit = id
	n.mu.Unlock()
}

func (n *fakeNotifier) OnOvertime(id types.VisitID) {
	n.mu.Lock()
	n.overtime++
	n.lastVisit = id
	n.mu.Unlock()
}

func (n *fakeNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.approach, n.overtime
}

var testDay = time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return testDay.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

// scheduledVisit builds a confirmed snapshot of a visit planned 10:00-11:00.
func scheduledVisit() types.Snapshot {
	return types.Snapshot{
		Visit: types.Visit{
			ID:        "visit-1",
			Worker:    "worker-1",
			Client:    "client-1",
			Scheduled: types.Interval{Start: at(10, 0), End: at(11, 0)},
			Status:    types.StatusScheduled,
		},
		Revision:  1,
		Confirmed: true,
	}
}

// startedVisit is the same visit checked in at the given time.
func startedVisit(checkIn time.Time, revision int64) types.Snapshot {
	snap := scheduledVisit()
	snap.Visit.Status = types.StatusInProgress
	snap.Visit.Timeline.CheckIn = &types.Stamp{At: checkIn}
	snap.Revision = revision
	return snap
}

func newTestEngine(clock *fakeClock, notifier *fakeNotifier) (*Engine, *watch.Hub) {
	hub := watch.NewHub(zerolog.New(io.Discard))
	engine := NewEngine(hub, notifier, zerolog.New(io.Discard),
		WithClock(clock.Now),
		WithTick(2*time.Millisecond),
	)
	return engine, hub
}

// awaitState polls the tracker's state channel until pred holds.
func awaitState(t *testing.T, tracker *Tracker, what string, pred func(DisplayState) bool) DisplayState {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case state, ok := <-tracker.States:
			if !ok {
				t.Fatalf("state channel closed while waiting for %s", what)
			}
			if pred(state) {
				return state
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func TestTrackerDerivesRunningState(t *testing.T) {
	clock := newFakeClock(at(10, 20))
	notifier := &fakeNotifier{}
	engine, _ := newTestEngine(clock, notifier)

	tracker := engine.Track(startedVisit(at(10, 15), 2))
	defer tracker.Stop()

	state := awaitState(t, tracker, "running state", func(s DisplayState) bool { return s.Phase == PhaseRunning })
	if state.Elapsed != 5*time.Minute {
		t.Fatalf("elapsed = %s, want 5m", state.Elapsed)
	}
	if state.Remaining != 40*time.Minute {
		t.Fatalf("remaining = %s, want 40m", state.Remaining)
	}
	if state.StartDelta != 15*time.Minute {
		t.Fatalf("start delta = %s, want 15m", state.StartDelta)
	}
	if approach, overtime := notifier.counts(); approach != 0 || overtime != 0 {
		t.Fatalf("no boundaries should fire mid-visit, got approach=%d overtime=%d", approach, overtime)
	}
}

func TestTrackerBoundariesFireExactlyOnce(t *testing.T) {
	clock := newFakeClock(at(10, 30))
	notifier := &fakeNotifier{}
	engine, _ := newTestEngine(clock, notifier)

	tracker := engine.Track(startedVisit(at(10, 0), 2))
	defer tracker.Stop()

	awaitState(t, tracker, "running state", func(s DisplayState) bool { return s.Phase == PhaseRunning })

	clock.Set(at(10, 56))
	awaitState(t, tracker, "approaching-end state", func(s DisplayState) bool { return s.Phase == PhaseApproachingEnd })
	// Well over a hundred further ticks in the same phase must not re-fire.
	time.Sleep(250 * time.Millisecond)
	if approach, overtime := notifier.counts(); approach != 1 || overtime != 0 {
		t.Fatalf("after threshold: approach=%d overtime=%d, want 1/0", approach, overtime)
	}

	clock.Set(at(11, 5))
	state := awaitState(t, tracker, "overtime state", func(s DisplayState) bool { return s.Phase == PhaseOvertime })
	if state.Overrun != 5*time.Minute {
		t.Fatalf("overrun = %s, want 5m", state.Overrun)
	}
	if state.Remaining != 0 {
		t.Fatalf("remaining = %s, want 0", state.Remaining)
	}
	time.Sleep(250 * time.Millisecond)
	if approach, overtime := notifier.counts(); approach != 1 || overtime != 1 {
		t.Fatalf("after overtime: approach=%d overtime=%d, want 1/1", approach, overtime)
	}
}

func TestTrackerClockJumpFiresBothBoundariesOnce(t *testing.T) {
	clock := newFakeClock(at(10, 30))
	notifier := &fakeNotifier{}
	engine, _ := newTestEngine(clock, notifier)

	tracker := engine.Track(startedVisit(at(10, 0), 2))
	defer tracker.Stop()

	awaitState(t, tracker, "running state", func(s DisplayState) bool { return s.Phase == PhaseRunning })

	// Jump straight past both thresholds in a single step.
	clock.Set(at(11, 10))
	awaitState(t, tracker, "overtime state", func(s DisplayState) bool { return s.Phase == PhaseOvertime })
	time.Sleep(250 * time.Millisecond)

	if approach, overtime := notifier.counts(); approach != 1 || overtime != 1 {
		t.Fatalf("jump should fire each boundary once, got approach=%d overtime=%d", approach, overtime)
	}
}

func TestTrackerNoBoundariesBeforeCheckIn(t *testing.T) {
	clock := newFakeClock(at(11, 30)) // already past the scheduled end
	notifier := &fakeNotifier{}
	engine, _ := newTestEngine(clock, notifier)

	tracker := engine.Track(scheduledVisit())
	defer tracker.Stop()

	awaitState(t, tracker, "not-started state", func(s DisplayState) bool { return s.Phase == PhaseNotStarted })
	time.Sleep(50 * time.Millisecond)

	if approach, overtime := notifier.counts(); approach != 0 || overtime != 0 {
		t.Fatalf("boundaries fired for a visit that never started: approach=%d overtime=%d", approach, overtime)
	}
}

func TestTrackerPendingSuppression(t *testing.T) {
	clock := newFakeClock(at(10, 20))
	notifier := &fakeNotifier{}
	engine, hub := newTestEngine(clock, notifier)

	tracker := engine.Track(scheduledVisit())
	defer tracker.Stop()

	awaitState(t, tracker, "initial state", func(s DisplayState) bool { return s.Phase == PhaseNotStarted && !s.Pending })

	// Optimistic local echo of a start: display flags pending but no time
	// state may be derived from the unconfirmed check-in.
	echo := scheduledVisit()
	echo.Visit.Status = types.StatusInProgress
	echo.Visit.Timeline.CheckIn = &types.Stamp{At: clock.Now()}
	hub.PublishPending(echo)

	state := awaitState(t, tracker, "pending state", func(s DisplayState) bool { return s.Pending })
	if state.Phase != PhaseNotStarted {
		t.Fatalf("unconfirmed check-in must not start the timer, phase = %s", state.Phase)
	}
	if state.Elapsed != 0 || state.Remaining != 0 {
		t.Fatalf("unconfirmed check-in leaked time state: %+v", state)
	}

	// The write fails; the echo reverts to the confirmed status.
	hub.PublishPending(scheduledVisit())
	awaitState(t, tracker, "reverted state", func(s DisplayState) bool { return !s.Pending && s.Phase == PhaseNotStarted })

	if approach, overtime := notifier.counts(); approach != 0 || overtime != 0 {
		t.Fatalf("pending echoes must never fire boundaries: approach=%d overtime=%d", approach, overtime)
	}
}

func TestTrackerConfirmedStartAdoptsServerTime(t *testing.T) {
	clock := newFakeClock(at(10, 20))
	notifier := &fakeNotifier{}
	engine, hub := newTestEngine(clock, notifier)

	tracker := engine.Track(scheduledVisit())
	defer tracker.Stop()

	awaitState(t, tracker, "initial state", func(s DisplayState) bool { return s.Phase == PhaseNotStarted })

	// Server confirms the check-in with its own stamp, not the local guess.
	hub.Publish(startedVisit(at(10, 15), 2))

	state := awaitState(t, tracker, "running state", func(s DisplayState) bool { return s.Phase == PhaseRunning })
	if state.Elapsed != 5*time.Minute {
		t.Fatalf("elapsed = %s, want 5m from the server stamp", state.Elapsed)
	}
	if state.Pending {
		t.Fatal("confirmed update should clear pending")
	}
}

func TestTrackerCompletedFreezesElapsedAndStops(t *testing.T) {
	clock := newFakeClock(at(10, 30))
	notifier := &fakeNotifier{}
	engine, hub := newTestEngine(clock, notifier)

	tracker := engine.Track(startedVisit(at(10, 15), 2))
	defer tracker.Stop()

	awaitState(t, tracker, "running state", func(s DisplayState) bool { return s.Phase == PhaseRunning })

	done := startedVisit(at(10, 15), 3)
	done.Visit.Status = types.StatusCompleted
	done.Visit.Timeline.CheckOut = &types.Stamp{At: at(11, 5)}
	hub.Publish(done)

	var final DisplayState
	var sawCompleted bool
	for state := range tracker.States {
		final = state
		if state.Phase == PhaseCompleted {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Fatalf("never observed completed state, last = %+v", final)
	}
	if final.Elapsed != 50*time.Minute {
		t.Fatalf("final elapsed = %s, want 50m frozen from the timeline", final.Elapsed)
	}
}

func TestTrackerUndoResetsTimer(t *testing.T) {
	clock := newFakeClock(at(10, 30))
	notifier := &fakeNotifier{}
	engine, hub := newTestEngine(clock, notifier)

	tracker := engine.Track(startedVisit(at(10, 15), 2))
	defer tracker.Stop()

	awaitState(t, tracker, "running state", func(s DisplayState) bool { return s.Phase == PhaseRunning })

	undone := scheduledVisit()
	undone.Revision = 3
	hub.Publish(undone)

	state := awaitState(t, tracker, "reset state", func(s DisplayState) bool { return s.Phase == PhaseNotStarted })
	if state.Elapsed != 0 || state.StartDelta != 0 {
		t.Fatalf("undo must leave no timer residue, got %+v", state)
	}
}

func TestTrackerStaleFreezeOnStreamLoss(t *testing.T) {
	clock := newFakeClock(at(10, 30))
	notifier := &fakeNotifier{}
	engine, _ := newTestEngine(clock, notifier)

	tracker := engine.Track(startedVisit(at(10, 15), 2))
	defer tracker.Stop()

	awaitState(t, tracker, "running state", func(s DisplayState) bool { return s.Phase == PhaseRunning })

	// Tear the subscription down underneath the tracker.
	tracker.sub.Stop()

	state := awaitState(t, tracker, "stale state", func(s DisplayState) bool { return s.Stale })
	if state.Phase != PhaseRunning {
		t.Fatalf("stale view should freeze the last state, phase = %s", state.Phase)
	}
}

func TestTrackerStaleStreamNeverFiresBoundaries(t *testing.T) {
	clock := newFakeClock(at(10, 30))
	notifier := &fakeNotifier{}
	engine, _ := newTestEngine(clock, notifier)

	tracker := engine.Track(startedVisit(at(10, 0), 2))
	defer tracker.Stop()

	awaitState(t, tracker, "running state", func(s DisplayState) bool { return s.Phase == PhaseRunning })

	tracker.sub.Stop()
	awaitState(t, tracker, "stale state", func(s DisplayState) bool { return s.Stale })

	// Wall clock drifts past both thresholds with no confirmed update in
	// sight; the frozen tracker must stay silent.
	clock.Set(at(11, 10))
	time.Sleep(250 * time.Millisecond)

	if approach, overtime := notifier.counts(); approach != 0 || overtime != 0 {
		t.Fatalf("stale tracker fired boundaries: approach=%d overtime=%d", approach, overtime)
	}
}

func TestTrackerSeedAlreadyCompleted(t *testing.T) {
	clock := newFakeClock(at(12, 0))
	notifier := &fakeNotifier{}
	engine, _ := newTestEngine(clock, notifier)

	seed := startedVisit(at(10, 0), 3)
	seed.Visit.Status = types.StatusCompleted
	seed.Visit.Timeline.CheckOut = &types.Stamp{At: at(10, 45)}

	tracker := engine.Track(seed)
	defer tracker.Stop()

	var final DisplayState
	for state := range tracker.States {
		final = state
	}
	if final.Phase != PhaseCompleted {
		t.Fatalf("seed completed visit should emit completed and stop, got %+v", final)
	}
	if final.Elapsed != 45*time.Minute {
		t.Fatalf("final elapsed = %s, want 45m", final.Elapsed)
	}
	if approach, overtime := notifier.counts(); approach != 0 || overtime != 0 {
		t.Fatalf("finished visit must not fire boundaries: approach=%d overtime=%d", approach, overtime)
	}
}
