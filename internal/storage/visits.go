package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/visit-lifecycle-engine/internal/types"
)

// ClockAction tells a transition what to do with one timeline field. Stamping
// always uses the database server clock; the caller never supplies a time.
type ClockAction string

const (
	ClockKeep  ClockAction = "keep"
	ClockStamp ClockAction = "stamp"
	ClockClear ClockAction = "clear"
)

// Change describes the fields a guarded transition applies.
type Change struct {
	To       types.Status
	CheckIn  ClockAction
	CheckOut ClockAction
}

// NewVisit carries the caller-supplied fields of a visit to be created.
type NewVisit struct {
	Worker    types.WorkerID
	Client    types.ClientID
	Scheduled types.Interval
}

// Publisher receives every confirmed snapshot immediately after commit so it
// can be fanned out to subscribers. Implementations must not block.
type Publisher interface {
	PublishConfirmed(ctx context.Context, snap types.Snapshot)
}

// VisitStore persists visit records in Postgres. All lifecycle timestamps are
// assigned by the database server at commit time, making the store the
// timestamp authority: clients learn the value from the returned snapshot.
type VisitStore struct {
	pool       *pgxpool.Pool
	publisher  Publisher
	maxRetries int
	retryDelay time.Duration
}

// StoreOption configures the visit store.
type StoreOption func(*VisitStore)

// WithPublisher wires post-commit snapshot fan-out.
func WithPublisher(p Publisher) StoreOption {
	return func(s *VisitStore) {
		s.publisher = p
	}
}

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) StoreOption {
	return func(s *VisitStore) {
		s.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) StoreOption {
	return func(s *VisitStore) {
		s.retryDelay = d
	}
}

// NewVisitStore constructs a store using the provided Postgres pool.
func NewVisitStore(pool *pgxpool.Pool, opts ...StoreOption) *VisitStore {
	s := &VisitStore{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const visitColumns = `id, worker_id, client_id, scheduled_start, scheduled_end, status, check_in, check_out, revision, last_updated`

// Create inserts a visit in the scheduled state and returns its first
// confirmed snapshot. The interval must be well-formed.
func (s *VisitStore) Create(ctx context.Context, nv NewVisit) (types.Snapshot, error) {
	if !nv.Scheduled.Valid() {
		return types.Snapshot{}, types.ErrInvalidInterval
	}

	id := types.VisitID(uuid.NewString())
	var snap types.Snapshot
	err := s.retry(ctx, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
INSERT INTO visits (id, worker_id, client_id, scheduled_start, scheduled_end, status)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+visitColumns,
			id, nv.Worker, nv.Client, nv.Scheduled.Start.UTC(), nv.Scheduled.End.UTC(), types.StatusScheduled,
		)
		var err error
		snap, err = scanSnapshot(row)
		return err
	})
	if err != nil {
		return types.Snapshot{}, mapStoreErr(fmt.Errorf("create visit: %w", err))
	}

	s.publish(ctx, snap)
	return snap, nil
}

// Get loads the current confirmed state of a visit.
func (s *VisitStore) Get(ctx context.Context, id types.VisitID) (types.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+visitColumns+` FROM visits WHERE id = $1`, id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Snapshot{}, types.ErrNotFound
	}
	if err != nil {
		return types.Snapshot{}, mapStoreErr(fmt.Errorf("get visit: %w", err))
	}
	return snap, nil
}

// Transition atomically applies a change if and only if the record still
// holds the expected status. Stamped timeline fields receive the server's
// now(); the guard mismatch is reported as types.ErrConflict and a missing
// record as types.ErrNotFound. The whole write is a single compare-and-set,
// so a retry after a timeout that actually committed resolves as Conflict
// rather than double-applying.
func (s *VisitStore) Transition(ctx context.Context, id types.VisitID, from types.Status, change Change) (types.Snapshot, error) {
	ctx, span := tracer.Start(ctx, "visits.transition")
	defer span.End()

	op := string(from) + "->" + string(change.To)
	started := time.Now()

	var snap types.Snapshot
	err := s.retry(ctx, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
UPDATE visits SET
  status = $3,
  check_in = CASE $4 WHEN 'stamp' THEN now() WHEN 'clear' THEN NULL ELSE check_in END,
  check_out = CASE $5 WHEN 'stamp' THEN now() WHEN 'clear' THEN NULL ELSE check_out END,
  revision = revision + 1,
  last_updated = now()
WHERE id = $1 AND status = $2
RETURNING `+visitColumns,
			id, from, change.To, actionArg(change.CheckIn), actionArg(change.CheckOut),
		)
		var err error
		snap, err = scanSnapshot(row)
		return err
	})

	transitionLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())

	if errors.Is(err, pgx.ErrNoRows) {
		// Guard failed or record missing; probe once to tell them apart.
		var exists bool
		probeErr := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM visits WHERE id = $1)`, id).Scan(&exists)
		if probeErr != nil {
			return types.Snapshot{}, mapStoreErr(fmt.Errorf("probe visit: %w", probeErr))
		}
		if !exists {
			return types.Snapshot{}, types.ErrNotFound
		}
		guardConflicts.WithLabelValues(op).Inc()
		return types.Snapshot{}, types.ErrConflict
	}
	if err != nil {
		return types.Snapshot{}, mapStoreErr(fmt.Errorf("transition visit: %w", err))
	}

	s.publish(ctx, snap)
	return snap, nil
}

// ListByWorkerDay returns the worker's non-canceled visits whose scheduled
// start falls within the UTC calendar day containing the provided instant,
// ordered by scheduled start. This is the bounded query backing the conflict
// detector.
func (s *VisitStore) ListByWorkerDay(ctx context.Context, worker types.WorkerID, day time.Time) ([]types.Visit, error) {
	dayStart := day.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	started := time.Now()
	rows, err := s.pool.Query(ctx, `
SELECT `+visitColumns+`
FROM visits
WHERE worker_id = $1
  AND scheduled_start >= $2 AND scheduled_start < $3
  AND status <> $4
ORDER BY scheduled_start`,
		worker, dayStart, dayEnd, types.StatusCanceled)
	if err != nil {
		return nil, mapStoreErr(fmt.Errorf("list worker day: %w", err))
	}
	defer rows.Close()

	var visits []types.Visit
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		visits = append(visits, snap.Visit)
	}
	dayQueryLatency.Observe(time.Since(started).Seconds())
	return visits, rows.Err()
}

// ListUnarchivedCompleted returns completed visits that have not yet been
// exported to the audit archive.
func (s *VisitStore) ListUnarchivedCompleted(ctx context.Context, limit int) ([]types.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+visitColumns+`
FROM visits
WHERE status = $1 AND archived_at IS NULL
ORDER BY last_updated
LIMIT $2`, types.StatusCompleted, limit)
	if err != nil {
		return nil, mapStoreErr(fmt.Errorf("list unarchived: %w", err))
	}
	defer rows.Close()

	var snaps []types.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// MarkArchived records that a completed visit has been exported.
func (s *VisitStore) MarkArchived(ctx context.Context, id types.VisitID) error {
	_, err := s.pool.Exec(ctx, `UPDATE visits SET archived_at = now() WHERE id = $1`, id)
	if err != nil {
		return mapStoreErr(fmt.Errorf("mark archived: %w", err))
	}
	return nil
}

func (s *VisitStore) publish(ctx context.Context, snap types.Snapshot) {
	if s.publisher == nil {
		return
	}
	s.publisher.PublishConfirmed(ctx, snap)
}

func actionArg(a ClockAction) string {
	if a == "" {
		return string(ClockKeep)
	}
	return string(a)
}

func scanSnapshot(row pgx.Row) (types.Snapshot, error) {
	var (
		snap     types.Snapshot
		checkIn  *time.Time
		checkOut *time.Time
	)
	err := row.Scan(
		&snap.Visit.ID,
		&snap.Visit.Worker,
		&snap.Visit.Client,
		&snap.Visit.Scheduled.Start,
		&snap.Visit.Scheduled.End,
		&snap.Visit.Status,
		&checkIn,
		&checkOut,
		&snap.Revision,
		&snap.Visit.LastUpdated,
	)
	if err != nil {
		return types.Snapshot{}, err
	}
	if checkIn != nil {
		snap.Visit.Timeline.CheckIn = &types.Stamp{At: checkIn.UTC()}
	}
	if checkOut != nil {
		snap.Visit.Timeline.CheckOut = &types.Stamp{At: checkOut.UTC()}
	}
	snap.Confirmed = true
	return snap, nil
}

func (s *VisitStore) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := s.retryDelay
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == s.maxRetries {
				return err
			}
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}

// mapStoreErr folds transport-level failures into the Unavailable bucket so
// callers can apply their retry policy with errors.Is.
func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", types.ErrUnavailable, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %v", types.ErrUnavailable, err)
	}
	return err
}
