package watch

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/visit-lifecycle-engine/internal/types"
)

// DayLister is the read contract the list-level subscription needs from the
// visit store.
type DayLister interface {
	ListByWorkerDay(ctx context.Context, worker types.WorkerID, day time.Time) ([]types.Visit, error)
}

// WatchDay streams the worker's schedule for one day: the current list is
// emitted immediately and re-read whenever any of the worker's visits
// changes. The stream closes when ctx is canceled. Dashboards and assignment
// surfaces consume this; single-visit observers should use Hub.Subscribe.
func (r *RedisRelay) WatchDay(ctx context.Context, lister DayLister, worker types.WorkerID, day time.Time) <-chan []types.Visit {
	out := make(chan []types.Visit, 1)

	go func() {
		defer close(out)

		pubsub := r.client.Subscribe(ctx, workerChannelPrefix+string(worker))
		defer pubsub.Close()
		ch := pubsub.Channel(redis.WithChannelSize(64))

		emit := func() {
			visits, err := lister.ListByWorkerDay(ctx, worker, day)
			if err != nil {
				r.logger.Warn().Err(err).Str("worker", string(worker)).Msg("day watch refresh failed")
				return
			}
			// Replace any unread list so a slow listener always sees the
			// freshest state.
			select {
			case <-out:
			default:
			}
			select {
			case out <- visits:
			default:
			}
		}

		emit()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				emit()
			}
		}
	}()

	return out
}
