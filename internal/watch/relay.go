package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/visit-lifecycle-engine/internal/types"
)

const (
	visitChannelPrefix  = "visit:"
	workerChannelPrefix = "worker:"
	defaultDedupeTTL    = 2 * time.Minute
	initialBackoffDelay = time.Second
	maxBackoffDelay     = 30 * time.Second
	healthySessionSpan  = 30 * time.Second
	publishTimeout      = 2 * time.Second
)

type relayMessage struct {
	VisitID     string      `json:"visit_id"`
	WorkerID    string      `json:"worker_id"`
	Revision    int64       `json:"revision"`
	Visit       types.Visit `json:"visit"`
	PublishedAt int64       `json:"published_at"`
}

// RedisRelay carries confirmed visit snapshots across instances over Redis
// Pub/Sub and feeds them back into the local hub. It implements
// storage.Publisher: every committed write is published to the visit channel
// and the assigned worker's channel, and also handed straight to the local
// hub so in-process subscribers do not depend on the round trip. The
// subscriber-side dedupe window absorbs the resulting double delivery.
type RedisRelay struct {
	client *redis.Client
	hub    *Hub
	logger zerolog.Logger

	dedupeTTL time.Duration

	seenMu sync.Mutex
	seen   map[string]time.Time
}

// NewRedisRelay constructs a relay backed by Redis Pub/Sub.
func NewRedisRelay(client *redis.Client, hub *Hub, logger zerolog.Logger) *RedisRelay {
	return &RedisRelay{
		client:    client,
		hub:       hub,
		logger:    logger,
		dedupeTTL: defaultDedupeTTL,
		seen:      make(map[string]time.Time),
	}
}

// PublishConfirmed implements storage.Publisher. Local delivery is immediate;
// the cross-instance publish is best effort with a bounded timeout, since a
// missed broadcast is repaired when the remote subscriber resynchronizes.
func (r *RedisRelay) PublishConfirmed(ctx context.Context, snap types.Snapshot) {
	r.markSeen(string(snap.Visit.ID), snap.Revision)
	r.hub.Publish(snap)

	if r.client == nil {
		return
	}

	msg := relayMessage{
		VisitID:     string(snap.Visit.ID),
		WorkerID:    string(snap.Visit.Worker),
		Revision:    snap.Revision,
		Visit:       snap.Visit,
		PublishedAt: time.Now().UTC().UnixNano(),
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error().Err(err).Str("visit", msg.VisitID).Msg("failed to encode relay message")
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	for _, channel := range []string{visitChannelPrefix + msg.VisitID, workerChannelPrefix + msg.WorkerID} {
		if err := r.client.Publish(pubCtx, channel, encoded).Err(); err != nil {
			relayPublishFailures.Inc()
			r.logger.Warn().Err(err).Str("channel", channel).Msg("relay publish failed")
		}
	}
}

// Start begins consuming visit channels and dispatching remote snapshots to
// the local hub.
func (r *RedisRelay) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *RedisRelay) run(ctx context.Context) {
	backoff := initialBackoffDelay
	for {
		if ctx.Err() != nil {
			return
		}

		started := time.Now()
		pubsub := r.client.PSubscribe(ctx, visitChannelPrefix+"*")
		if err := r.consume(ctx, pubsub); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn().Err(err).Dur("backoff", backoff).Msg("relay subscription interrupted; retrying")
		}
		backoff = nextBackoff(backoff, time.Since(started))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// nextBackoff doubles the reconnect delay on rapid failures but starts over
// once a session has stayed healthy long enough, so a flap after hours of
// uptime is not punished with the maximum delay.
func nextBackoff(previous, session time.Duration) time.Duration {
	if session >= healthySessionSpan {
		return initialBackoffDelay
	}
	return minDuration(previous*2, maxBackoffDelay)
}

func (r *RedisRelay) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := r.process(msg); err != nil {
				r.logger.Warn().Err(err).Msg("failed to process relay message")
			}
		}
	}
}

func (r *RedisRelay) process(msg *redis.Message) error {
	var payload relayMessage
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		return fmt.Errorf("decode relay payload: %w", err)
	}
	if payload.VisitID == "" || payload.Revision == 0 {
		return errors.New("incomplete relay payload")
	}

	if r.isDuplicate(payload.VisitID, payload.Revision) {
		return nil
	}

	if payload.PublishedAt > 0 {
		relayLatency.Observe(float64(time.Since(time.Unix(0, payload.PublishedAt))) / float64(time.Second))
	}

	r.hub.Publish(types.Snapshot{Visit: payload.Visit, Revision: payload.Revision, Confirmed: true})
	return nil
}

func (r *RedisRelay) markSeen(visitID string, revision int64) {
	key := fmt.Sprintf("%s:%d", visitID, revision)

	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	r.seen[key] = time.Now()
}

func (r *RedisRelay) isDuplicate(visitID string, revision int64) bool {
	key := fmt.Sprintf("%s:%d", visitID, revision)

	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	if ts, ok := r.seen[key]; ok {
		if time.Since(ts) < r.dedupeTTL {
			return true
		}
	}

	r.seen[key] = time.Now()
	cutoff := time.Now().Add(-r.dedupeTTL)
	for k, ts := range r.seen {
		if ts.Before(cutoff) {
			delete(r.seen, k)
		}
	}
	return false
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
