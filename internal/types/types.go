package types

import (
	"errors"
	"fmt"
	"time"
)

// VisitID identifies a scheduled visit.
type VisitID string

// WorkerID identifies the field worker assigned to a visit.
type WorkerID string

// ClientID identifies the client the visit is performed for.
type ClientID string

// Status tracks where a visit is in its lifecycle.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCanceled   Status = "canceled"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCanceled:
		return true
	}
	return false
}

// Active reports whether the visit still occupies its scheduled interval for
// conflict purposes. Canceled visits release their interval.
func (s Status) Active() bool {
	return s != StatusCanceled
}

// Lifecycle error taxonomy. Callers distinguish outcomes with errors.Is.
var (
	// ErrForbidden means the actor is not authorized for the transition.
	ErrForbidden = errors.New("actor not authorized for this transition")
	// ErrConflict means the compare-and-set guard failed because another
	// actor already moved the record.
	ErrConflict = errors.New("visit state changed elsewhere")
	// ErrNotFound means the visit record does not exist.
	ErrNotFound = errors.New("visit not found")
	// ErrUnavailable means a transient store or network failure.
	ErrUnavailable = errors.New("store unavailable")
	// ErrInvalidInterval means the schedule is malformed (start >= end).
	ErrInvalidInterval = errors.New("scheduled start must precede scheduled end")
)

// Stamp is an authoritative, store-assigned point in time. The client never
// supplies the value; it is learned from the confirmed snapshot once the
// write is acknowledged.
type Stamp struct {
	At time.Time `json:"at"`
}

// Timeline holds the optional check-in/check-out marks of a visit.
type Timeline struct {
	CheckIn  *Stamp `json:"check_in,omitempty"`
	CheckOut *Stamp `json:"check_out,omitempty"`
}

// Interval is a half-open [Start, End) time range.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Valid reports whether the interval is well-formed.
func (iv Interval) Valid() bool {
	return iv.Start.Before(iv.End)
}

// Overlaps applies the half-open overlap rule: back-to-back intervals sharing
// a single boundary instant do not overlap.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && iv.End.After(other.Start)
}

// Duration returns the planned length of the interval.
func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%s, %s)", iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339))
}

// Visit is one scheduled occurrence of field work between a worker and a
// client.
type Visit struct {
	ID          VisitID   `json:"id"`
	Worker      WorkerID  `json:"worker_id"`
	Client      ClientID  `json:"client_id"`
	Scheduled   Interval  `json:"scheduled"`
	Status      Status    `json:"status"`
	Timeline    Timeline  `json:"timeline"`
	LastUpdated time.Time `json:"last_updated"`
}

// CheckedIn reports whether a confirmed check-in mark exists.
func (v Visit) CheckedIn() bool { return v.Timeline.CheckIn != nil }

// CheckedOut reports whether a confirmed check-out mark exists.
func (v Visit) CheckedOut() bool { return v.Timeline.CheckOut != nil }

// Validate checks the structural invariants tying status to the timeline.
func (v Visit) Validate() error {
	if !v.Scheduled.Valid() {
		return ErrInvalidInterval
	}
	if !v.Status.Valid() {
		return fmt.Errorf("unknown status %q", v.Status)
	}
	if v.CheckedOut() && !v.CheckedIn() {
		return errors.New("check-out present without check-in")
	}
	switch v.Status {
	case StatusScheduled:
		if v.CheckedIn() || v.CheckedOut() {
			return errors.New("scheduled visit must have an empty timeline")
		}
	case StatusInProgress:
		if !v.CheckedIn() || v.CheckedOut() {
			return errors.New("in-progress visit must have exactly a check-in")
		}
	case StatusCompleted:
		if !v.CheckedIn() || !v.CheckedOut() {
			return errors.New("completed visit must have both timeline marks")
		}
		if v.Timeline.CheckOut.At.Before(v.Timeline.CheckIn.At) {
			return errors.New("check-out precedes check-in")
		}
	}
	return nil
}

// Snapshot is one observed state of a visit as delivered on a change stream.
// Revision is the store's monotonic write counter and the only ordering key
// consumers may rely on. Confirmed is false only for optimistic local echoes
// that have not been acknowledged by the store; consumers deriving elapsed or
// remaining time must ignore unconfirmed snapshots.
type Snapshot struct {
	Visit     Visit `json:"visit"`
	Revision  int64 `json:"revision"`
	Confirmed bool  `json:"confirmed"`
}
