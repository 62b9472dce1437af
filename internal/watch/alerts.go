package watch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/visit-lifecycle-engine/internal/types"
)

const alertChannel = "alerts:visits"

// AlertSink hands boundary notifications to the external delivery
// collaborator over Redis. Calls are fire-and-forget: the timer engine
// guarantees at-most-once dispatch per visit per boundary, and a lost alert
// is not retried here.
type AlertSink struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewAlertSink constructs a Redis-backed notification sink.
func NewAlertSink(client *redis.Client, logger zerolog.Logger) *AlertSink {
	return &AlertSink{client: client, logger: logger}
}

type alertMessage struct {
	VisitID string `json:"visit_id"`
	Kind    string `json:"kind"`
	At      int64  `json:"at"`
}

// OnApproachingEnd signals that a running visit has five minutes or less of
// scheduled time remaining.
func (a *AlertSink) OnApproachingEnd(visitID types.VisitID) {
	a.emit(visitID, "approaching_end")
}

// OnOvertime signals that a running visit has passed its scheduled end.
func (a *AlertSink) OnOvertime(visitID types.VisitID) {
	a.emit(visitID, "overtime")
}

func (a *AlertSink) emit(visitID types.VisitID, kind string) {
	alertsDispatched.WithLabelValues(kind).Inc()

	payload, err := json.Marshal(alertMessage{
		VisitID: string(visitID),
		Kind:    kind,
		At:      time.Now().UTC().UnixNano(),
	})
	if err != nil {
		a.logger.Error().Err(err).Str("visit", string(visitID)).Msg("failed to encode alert")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := a.client.Publish(ctx, alertChannel, payload).Err(); err != nil {
		a.logger.Warn().Err(err).Str("visit", string(visitID)).Str("kind", kind).Msg("alert publish failed")
	}
}
