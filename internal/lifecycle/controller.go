package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/visit-lifecycle-engine/internal/storage"
	"github.com/example/visit-lifecycle-engine/internal/types"
)

const defaultTransitionTimeout = 5 * time.Second

// TransitionStore is the slice of the visit store the controller depends on.
type TransitionStore interface {
	Get(ctx context.Context, id types.VisitID) (types.Snapshot, error)
	Transition(ctx context.Context, id types.VisitID, from types.Status, change storage.Change) (types.Snapshot, error)
}

// Echo publishes optimistic local state to in-process observers. The hub
// satisfies this; a nil echo disables optimistic display.
type Echo interface {
	PublishPending(snap types.Snapshot)
}

// Controller exposes the three worker-initiated lifecycle transitions. It is
// stateless: every call is a single guarded compare-and-set against the
// store, bounded by a timeout, and never retried here. Duplicate submissions
// race on the status guard, so exactly one wins and the rest resolve as
// Conflict.
type Controller struct {
	store   TransitionStore
	echo    Echo
	clock   func() time.Time
	timeout time.Duration
	logger  zerolog.Logger
}

// ControllerOption adjusts controller defaults.
type ControllerOption func(*Controller)

// WithTimeout bounds each transition call.
func WithTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) { c.timeout = d }
}

// WithEcho wires optimistic pending display.
func WithEcho(e Echo) ControllerOption {
	return func(c *Controller) { c.echo = e }
}

// WithClock overrides the local clock used only for optimistic estimates.
func WithClock(clock func() time.Time) ControllerOption {
	return func(c *Controller) { c.clock = clock }
}

// NewController constructs a lifecycle controller.
func NewController(store TransitionStore, logger zerolog.Logger, opts ...ControllerOption) *Controller {
	c := &Controller{
		store:   store,
		clock:   time.Now,
		timeout: defaultTransitionTimeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start checks the worker in. The persisted check-in time is assigned by the
// store at commit; the local clock feeds only the unconfirmed echo.
func (c *Controller) Start(ctx context.Context, visitID types.VisitID, actor types.WorkerID) (types.Snapshot, error) {
	return c.transition(ctx, visitID, actor, "start", types.StatusScheduled, storage.Change{
		To:      types.StatusInProgress,
		CheckIn: storage.ClockStamp,
	}, func(v *types.Visit) {
		v.Status = types.StatusInProgress
		v.Timeline.CheckIn = &types.Stamp{At: c.clock()}
	})
}

// End checks the worker out. No minimum duration is enforced; a visit may be
// ended immediately after starting.
func (c *Controller) End(ctx context.Context, visitID types.VisitID, actor types.WorkerID) (types.Snapshot, error) {
	return c.transition(ctx, visitID, actor, "end", types.StatusInProgress, storage.Change{
		To:       types.StatusCompleted,
		CheckOut: storage.ClockStamp,
	}, func(v *types.Visit) {
		v.Status = types.StatusCompleted
		v.Timeline.CheckOut = &types.Stamp{At: c.clock()}
	})
}

// Undo reverses a start completely: both timeline marks are cleared and the
// visit returns to scheduled, leaving no timer residue. Only permitted while
// the visit is in progress.
func (c *Controller) Undo(ctx context.Context, visitID types.VisitID, actor types.WorkerID) (types.Snapshot, error) {
	return c.transition(ctx, visitID, actor, "undo", types.StatusInProgress, storage.Change{
		To:       types.StatusScheduled,
		CheckIn:  storage.ClockClear,
		CheckOut: storage.ClockClear,
	}, func(v *types.Visit) {
		v.Status = types.StatusScheduled
		v.Timeline = types.Timeline{}
	})
}

func (c *Controller) transition(ctx context.Context, visitID types.VisitID, actor types.WorkerID, op string, from types.Status, change storage.Change, optimistic func(*types.Visit)) (types.Snapshot, error) {
	current, err := c.store.Get(ctx, visitID)
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("%s visit: %w", op, err)
	}
	if current.Visit.Worker != actor {
		return types.Snapshot{}, fmt.Errorf("%s visit %s: %w", op, visitID, types.ErrForbidden)
	}

	if c.echo != nil {
		pending := current
		optimistic(&pending.Visit)
		c.echo.PublishPending(pending)
	}

	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	snap, err := c.store.Transition(opCtx, visitID, from, change)
	if err != nil {
		if c.echo != nil {
			// Revert the optimistic display to the last confirmed state.
			c.echo.PublishPending(current)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = types.ErrUnavailable
		}
		c.logger.Warn().Err(err).Str("visit", string(visitID)).Str("op", op).Msg("transition rejected")
		return types.Snapshot{}, fmt.Errorf("%s visit: %w", op, err)
	}

	c.logger.Info().
		Str("visit", string(visitID)).
		Str("worker", string(actor)).
		Str("op", op).
		Int64("revision", snap.Revision).
		Msg("visit transitioned")
	return snap, nil
}
