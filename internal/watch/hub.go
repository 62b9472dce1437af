package watch

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/visit-lifecycle-engine/internal/types"
)

const defaultSubscriptionBuffer = 16

// Subscription is one listener's ordered view of a visit's change stream. The
// caller owns the handle and must call Stop when the observing surface is
// torn down; Stop is idempotent and releases the subscription deterministically.
type Subscription struct {
	C <-chan types.Snapshot

	visitID types.VisitID
	ch      chan types.Snapshot
	seq     *Sequencer
	hub     *Hub
	once    sync.Once

	mu     sync.Mutex
	closed bool
}

// Stop detaches the subscription from the hub and closes its channel.
func (s *Subscription) Stop() {
	s.once.Do(func() {
		s.hub.unsubscribe(s.visitID, s)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

func (s *Subscription) send(snap types.Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- snap:
		return true
	default:
		return false
	}
}

// Hub fans visit snapshots out to in-process subscribers keyed by visit id.
// Multiple listeners per visit are supported; each gets its own ordered
// channel guarded by a revision sequencer.
type Hub struct {
	mu     sync.RWMutex
	visits map[types.VisitID]map[*Subscription]struct{}
	logger zerolog.Logger
	buffer int
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		visits: make(map[types.VisitID]map[*Subscription]struct{}),
		logger: logger,
		buffer: defaultSubscriptionBuffer,
	}
}

// Subscribe registers a listener for one visit's change stream.
func (h *Hub) Subscribe(visitID types.VisitID) *Subscription {
	sub := &Subscription{
		visitID: visitID,
		ch:      make(chan types.Snapshot, h.buffer),
		seq:     NewSequencer(),
		hub:     h,
	}
	sub.C = sub.ch

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.visits[visitID] == nil {
		h.visits[visitID] = make(map[*Subscription]struct{})
	}
	h.visits[visitID][sub] = struct{}{}
	hubSubscriptions.WithLabelValues(string(visitID)).Set(float64(len(h.visits[visitID])))
	return sub
}

// Publish delivers a confirmed snapshot to every subscriber of the visit.
// Each subscriber's sequencer enforces write order and drops duplicates.
func (h *Hub) Publish(snap types.Snapshot) {
	for _, sub := range h.subscribers(snap.Visit.ID) {
		for _, ready := range sub.seq.Offer(snap) {
			h.deliver(sub, ready)
		}
	}
}

// PublishPending delivers an optimistic, unconfirmed local echo. Pending
// snapshots bypass the sequencer and never advance the ordering state.
func (h *Hub) PublishPending(snap types.Snapshot) {
	snap.Confirmed = false
	snap.Revision = 0
	for _, sub := range h.subscribers(snap.Visit.ID) {
		h.deliver(sub, snap)
	}
}

func (h *Hub) subscribers(visitID types.VisitID) []*Subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := make([]*Subscription, 0, len(h.visits[visitID]))
	for sub := range h.visits[visitID] {
		subs = append(subs, sub)
	}
	return subs
}

func (h *Hub) deliver(sub *Subscription, snap types.Snapshot) {
	if !sub.send(snap) {
		droppedUpdates.WithLabelValues(string(snap.Visit.ID)).Inc()
		h.logger.Warn().Str("visit", string(snap.Visit.ID)).Int64("revision", snap.Revision).Msg("subscriber buffer full; update dropped")
	}
}

func (h *Hub) unsubscribe(visitID types.VisitID, sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.visits[visitID]
	if subs == nil {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.visits, visitID)
	}
	hubSubscriptions.WithLabelValues(string(visitID)).Set(float64(len(subs)))
}
