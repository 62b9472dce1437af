package timer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/visit-lifecycle-engine/internal/types"
	"github.com/example/visit-lifecycle-engine/internal/watch"
)

const (
	defaultTick          = time.Second
	defaultWarnThreshold = 5 * time.Minute
)

// Phase classifies a visit's temporal state as derived by the tracker.
type Phase string

const (
	PhaseNotStarted     Phase = "not_started"
	PhaseRunning        Phase = "running"
	PhaseApproachingEnd Phase = "approaching_end"
	PhaseOvertime       Phase = "overtime"
	PhaseCompleted      Phase = "completed"
)

// Notifier receives the one-shot boundary events. Implementations are the
// boundary to the external delivery collaborator; the tracker guarantees
// each method is invoked at most once per tracker instance.
type Notifier interface {
	OnApproachingEnd(visitID types.VisitID)
	OnOvertime(visitID types.VisitID)
}

// DisplayState is the derived view recomputed every tick and on every
// confirmed update.
type DisplayState struct {
	Phase      Phase         `json:"phase"`
	Elapsed    time.Duration `json:"elapsed"`
	Remaining  time.Duration `json:"remaining"`
	Overrun    time.Duration `json:"overrun"`
	StartDelta time.Duration `json:"start_delta"`
	Pending    bool          `json:"pending"`
	Stale      bool          `json:"stale"`
}

// Engine builds trackers bound to a hub and a notifier. The clock is
// injectable so boundary behaviour is testable against a simulated 1Hz feed.
type Engine struct {
	hub           *watch.Hub
	notifier      Notifier
	logger        zerolog.Logger
	clock         func() time.Time
	tick          time.Duration
	warnThreshold time.Duration
}

// EngineOption adjusts engine defaults.
type EngineOption func(*Engine)

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// WithTick overrides the re-evaluation cadence.
func WithTick(d time.Duration) EngineOption {
	return func(e *Engine) { e.tick = d }
}

// NewEngine constructs a timer engine.
func NewEngine(hub *watch.Hub, notifier Notifier, logger zerolog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		hub:           hub,
		notifier:      notifier,
		logger:        logger,
		clock:         time.Now,
		tick:          defaultTick,
		warnThreshold: defaultWarnThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Track starts a tracker for one visit seeded from its latest confirmed
// snapshot. The caller owns the returned handle and must call Stop when the
// observing surface goes away; leaking the tick loop is the defect class the
// handle exists to prevent.
func (e *Engine) Track(seed types.Snapshot) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		States:        make(chan DisplayState, 1),
		visitID:       seed.Visit.ID,
		engine:        e,
		sub:           e.hub.Subscribe(seed.Visit.ID),
		cancel:        cancel,
		visit:         seed.Visit,
		haveConfirmed: seed.Confirmed,
		logger:        e.logger.With().Str("visit", string(seed.Visit.ID)).Logger(),
	}
	go t.run(ctx)
	return t
}

// Tracker derives display state for a single actively-observed visit. It
// consumes the visit's ordered change stream, re-evaluates once per tick
// while the subscription is open, and latches each boundary notification so
// crossing a threshold fires exactly once no matter how many ticks follow.
type Tracker struct {
	// States carries the derived view; the channel holds the most recent
	// state and is closed when the tracker stops.
	States chan DisplayState

	visitID types.VisitID
	engine  *Engine
	sub     *watch.Subscription
	cancel  context.CancelFunc
	logger  zerolog.Logger
	once    sync.Once

	// Loop-owned state; never touched outside run.
	visit         types.Visit
	haveConfirmed bool
	pending       bool
	stale         bool
	approachFired bool
	overtimeFired bool
	lastState     DisplayState
}

// Stop tears the tracker down deterministically: the subscription is
// released and the tick loop exits. Safe to call more than once.
func (t *Tracker) Stop() {
	t.once.Do(func() {
		t.sub.Stop()
		t.cancel()
	})
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.States)
	defer t.Stop()

	ticker := time.NewTicker(t.engine.tick)
	defer ticker.Stop()

	if done := t.evaluate(); done {
		return
	}

	updates := t.sub.C
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				// Stream torn down underneath us: freeze the last confirmed
				// state and surface staleness instead of resetting.
				t.stale = true
				updates = nil
				t.emit(t.lastState.withStale())
				continue
			}
			if done := t.apply(snap); done {
				return
			}
		case <-ticker.C:
			// A stale tracker holds its last confirmed view; re-deriving
			// from the clock alone could cross a boundary nobody confirmed.
			if t.stale {
				continue
			}
			if done := t.evaluate(); done {
				return
			}
		}
	}
}

// apply folds one stream update into the tracker. Unconfirmed snapshots only
// toggle the pending indicator; elapsed/remaining are always derived from the
// last confirmed, server-stamped state. An unconfirmed echo matching the
// confirmed status is a revert: the optimistic write failed and the UI falls
// back to the confirmed state.
func (t *Tracker) apply(snap types.Snapshot) bool {
	if !snap.Confirmed {
		t.pending = snap.Visit.Status != t.visit.Status
		t.emit(t.derive(t.engine.clock()))
		return false
	}

	t.visit = snap.Visit
	t.haveConfirmed = true
	t.pending = false
	t.stale = false
	return t.evaluate()
}

// evaluate recomputes display state from the last confirmed snapshot and the
// current clock, firing any newly-crossed boundary exactly once. It returns
// true when tracking should stop.
func (t *Tracker) evaluate() bool {
	now := t.engine.clock()
	state := t.derive(now)

	if t.haveConfirmed && t.visit.Status == types.StatusInProgress {
		t.fireBoundaries(state)
	}

	t.emit(state)

	switch t.visit.Status {
	case types.StatusCompleted:
		return true
	case types.StatusCanceled:
		t.logger.Debug().Msg("visit canceled; tracker stopping")
		return true
	}
	return false
}

func (t *Tracker) fireBoundaries(state DisplayState) {
	if !t.approachFired && (state.Phase == PhaseApproachingEnd || state.Phase == PhaseOvertime) {
		t.approachFired = true
		boundaryDispatches.WithLabelValues("approaching_end").Inc()
		t.engine.notifier.OnApproachingEnd(t.visitID)
	}
	if !t.overtimeFired && state.Phase == PhaseOvertime {
		t.overtimeFired = true
		boundaryDispatches.WithLabelValues("overtime").Inc()
		t.engine.notifier.OnOvertime(t.visitID)
	}
}

func (t *Tracker) derive(now time.Time) DisplayState {
	state := DisplayState{Phase: PhaseNotStarted, Pending: t.pending, Stale: t.stale}

	if !t.haveConfirmed || !t.visit.CheckedIn() {
		return state
	}

	checkIn := t.visit.Timeline.CheckIn.At
	state.StartDelta = checkIn.Sub(t.visit.Scheduled.Start)

	if t.visit.CheckedOut() {
		state.Phase = PhaseCompleted
		state.Elapsed = t.visit.Timeline.CheckOut.At.Sub(checkIn)
		return state
	}

	state.Elapsed = now.Sub(checkIn)
	state.Remaining = t.visit.Scheduled.End.Sub(now)
	switch {
	case state.Remaining <= 0:
		state.Phase = PhaseOvertime
		state.Overrun = -state.Remaining
		state.Remaining = 0
	case state.Remaining <= t.engine.warnThreshold:
		state.Phase = PhaseApproachingEnd
	default:
		state.Phase = PhaseRunning
	}
	return state
}

// emit keeps only the freshest state in the buffered channel so a slow
// reader never blocks the tick loop.
func (t *Tracker) emit(state DisplayState) {
	t.lastState = state
	select {
	case <-t.States:
	default:
	}
	select {
	case t.States <- state:
	default:
	}
}

func (s DisplayState) withStale() DisplayState {
	s.Stale = true
	return s
}
