package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/visit-lifecycle-engine/internal/lifecycle"
	"github.com/example/visit-lifecycle-engine/internal/schedule"
	"github.com/example/visit-lifecycle-engine/internal/storage"
	"github.com/example/visit-lifecycle-engine/internal/timer"
	"github.com/example/visit-lifecycle-engine/internal/types"
	"github.com/example/visit-lifecycle-engine/internal/watch"
)

// Gateway exposes the lifecycle, availability, and watch APIs over HTTP.
type Gateway struct {
	store      *storage.VisitStore
	controller *lifecycle.Controller
	detector   *schedule.Detector
	timers     *timer.Engine
	relay      *watch.RedisRelay
	logger     zerolog.Logger
}

// New builds the gateway.
func New(store *storage.VisitStore, controller *lifecycle.Controller, detector *schedule.Detector, timers *timer.Engine, relay *watch.RedisRelay, logger zerolog.Logger) *Gateway {
	return &Gateway{
		store:      store,
		controller: controller,
		detector:   detector,
		timers:     timers,
		relay:      relay,
		logger:     logger,
	}
}

// Routes wires all endpoints into a mux.
func (g *Gateway) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/visits", g.handleCreate)
	mux.HandleFunc("GET /v1/visits/{id}", g.handleGet)
	mux.HandleFunc("POST /v1/visits/{id}/start", g.handleTransition(g.controller.Start))
	mux.HandleFunc("POST /v1/visits/{id}/end", g.handleTransition(g.controller.End))
	mux.HandleFunc("POST /v1/visits/{id}/undo", g.handleTransition(g.controller.Undo))
	mux.HandleFunc("GET /v1/availability", g.handleAvailability)
	mux.HandleFunc("POST /v1/availability/batch", g.handleBatchAvailability)
	mux.HandleFunc("GET /v1/visits/{id}/watch", g.handleWatch)
	mux.HandleFunc("GET /v1/workers/{id}/day", g.handleWatchDay)
	return mux
}

type createRequest struct {
	WorkerID string    `json:"worker_id"`
	ClientID string    `json:"client_id"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
}

func (g *Gateway) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkerID == "" || req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "worker_id and client_id are required")
		return
	}

	worker := types.WorkerID(req.WorkerID)
	interval := types.Interval{Start: req.Start, End: req.End}

	available, err := g.detector.IsAvailable(r.Context(), worker, interval)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	if !available {
		writeError(w, http.StatusConflict, "worker already has a visit in this interval")
		return
	}

	snap, err := g.store.Create(r.Context(), storage.NewVisit{
		Worker:    worker,
		Client:    types.ClientID(req.ClientID),
		Scheduled: interval,
	})
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (g *Gateway) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := g.store.Get(r.Context(), types.VisitID(r.PathValue("id")))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type transitionRequest struct {
	ActorID string `json:"actor_id"`
}

func (g *Gateway) handleTransition(op func(ctx context.Context, visitID types.VisitID, actor types.WorkerID) (types.Snapshot, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transitionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.ActorID == "" {
			writeError(w, http.StatusBadRequest, "actor_id is required")
			return
		}

		snap, err := op(r.Context(), types.VisitID(r.PathValue("id")), types.WorkerID(req.ActorID))
		if err != nil {
			g.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func (g *Gateway) handleAvailability(w http.ResponseWriter, r *http.Request) {
	worker := types.WorkerID(r.URL.Query().Get("worker_id"))
	if worker == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	interval, err := parseInterval(r.URL.Query().Get("start"), r.URL.Query().Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	available, err := g.detector.IsAvailable(r.Context(), worker, interval)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"available": available})
}

type batchAvailabilityRequest struct {
	WorkerID  string           `json:"worker_id"`
	Intervals []types.Interval `json:"intervals"`
}

func (g *Gateway) handleBatchAvailability(w http.ResponseWriter, r *http.Request) {
	var req batchAvailabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}

	conflicts, err := g.detector.FindConflicts(r.Context(), types.WorkerID(req.WorkerID), req.Intervals)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	if conflicts == nil {
		conflicts = []types.Interval{}
	}
	writeJSON(w, http.StatusOK, map[string][]types.Interval{"conflicts": conflicts})
}

func parseInterval(start, end string) (types.Interval, error) {
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return types.Interval{}, errors.New("invalid start")
	}
	e, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return types.Interval{}, errors.New("invalid end")
	}
	return types.Interval{Start: s, End: e}, nil
}

func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvalidInterval):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
