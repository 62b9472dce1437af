package schedule

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/visit-lifecycle-engine/internal/types"
	"github.com/example/visit-lifecycle-engine/internal/watch"
)

// Detector verifies that a worker has no overlapping scheduled intervals.
// It reads the same visit store the lifecycle writes to, bounded to the
// candidate's calendar day; it is consulted at assignment time only and
// never enforces retroactively.
type Detector struct {
	lister watch.DayLister
	logger zerolog.Logger
}

// NewDetector constructs a conflict detector over the provided day lister.
func NewDetector(lister watch.DayLister, logger zerolog.Logger) *Detector {
	return &Detector{lister: lister, logger: logger}
}

// IsAvailable reports whether the worker is free for the half-open candidate
// interval. Back-to-back visits sharing a boundary instant are not a
// conflict.
func (d *Detector) IsAvailable(ctx context.Context, worker types.WorkerID, candidate types.Interval) (bool, error) {
	if !candidate.Valid() {
		return false, types.ErrInvalidInterval
	}

	ctx, span := tracer.Start(ctx, "schedule.is_available")
	defer span.End()

	existing, err := d.lister.ListByWorkerDay(ctx, worker, candidate.Start)
	if err != nil {
		return false, fmt.Errorf("load worker schedule: %w", err)
	}

	for _, visit := range existing {
		if !visit.Status.Active() {
			continue
		}
		if candidate.Overlaps(visit.Scheduled) {
			conflictsDetected.Inc()
			d.logger.Debug().
				Str("worker", string(worker)).
				Str("candidate", candidate.String()).
				Str("existing", string(visit.ID)).
				Msg("candidate interval overlaps existing visit")
			return false, nil
		}
	}
	return true, nil
}

// FindConflicts returns the subset of candidate intervals the worker is not
// available for, so a recurring-series caller can surface exactly which
// occurrences collide instead of rejecting the whole batch.
func (d *Detector) FindConflicts(ctx context.Context, worker types.WorkerID, candidates []types.Interval) ([]types.Interval, error) {
	var conflicts []types.Interval
	for _, candidate := range candidates {
		available, err := d.IsAvailable(ctx, worker, candidate)
		if err != nil {
			return nil, err
		}
		if !available {
			conflicts = append(conflicts, candidate)
		}
	}
	return conflicts, nil
}
