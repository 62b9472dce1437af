package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/visit-lifecycle-engine/internal/types"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWatch streams derived timer state for one visit over a websocket.
// The tracker's tick loop lives exactly as long as the connection: closing
// the socket stops the tracker and releases its subscription.
func (g *Gateway) handleWatch(w http.ResponseWriter, r *http.Request) {
	visitID := types.VisitID(r.PathValue("id"))

	seed, err := g.store.Get(r.Context(), visitID)
	if err != nil {
		g.fail(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	defer trackStream("visit")()

	tracker := g.timers.Track(seed)
	defer tracker.Stop()

	// Reader pump: we never expect client frames, but reading is what
	// detects the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger := g.logger.With().Str("visit", string(visitID)).Logger()
	logger.Debug().Msg("watch stream opened")

	for {
		select {
		case <-done:
			logger.Debug().Msg("watch stream closed by peer")
			return
		case state, ok := <-tracker.States:
			if !ok {
				deadline := time.Now().Add(wsWriteTimeout)
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "visit finished"), deadline)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(state); err != nil {
				logger.Debug().Err(err).Msg("watch stream write failed")
				return
			}
		}
	}
}

// handleWatchDay streams the worker's day schedule, re-emitted on every
// change to any of the worker's visits.
func (g *Gateway) handleWatchDay(w http.ResponseWriter, r *http.Request) {
	worker := types.WorkerID(r.PathValue("id"))
	day := time.Now().UTC()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date")
			return
		}
		day = parsed
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	defer trackStream("day")()

	ctx := r.Context()
	lists := g.relay.WatchDay(ctx, g.store, worker, day)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case visits, ok := <-lists:
			if !ok {
				return
			}
			if visits == nil {
				visits = []types.Visit{}
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(visits); err != nil {
				return
			}
		}
	}
}
