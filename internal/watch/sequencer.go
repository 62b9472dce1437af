package watch

import (
	"sort"
	"sync"

	"github.com/example/visit-lifecycle-engine/internal/types"
)

const defaultMaxHeld = 8

// Sequencer enforces per-visit delivery order on one subscription. The store
// bumps a revision counter on every write; revisions may arrive out of order
// when local fan-out and the pub/sub relay race each other. The sequencer
// drops anything at or below the last delivered revision and briefly holds
// ahead-of-sequence snapshots until the gap fills.
type Sequencer struct {
	mu      sync.Mutex
	last    int64
	held    []types.Snapshot
	maxHeld int
}

// NewSequencer constructs a sequencer with no delivered history.
func NewSequencer() *Sequencer {
	return &Sequencer{maxHeld: defaultMaxHeld}
}

// Offer hands a confirmed snapshot to the sequencer and returns the snapshots
// now ready for delivery, in revision order. The first snapshot a fresh
// sequencer sees is always ready: a subscriber joining mid-stream has no gap
// to wait for.
func (q *Sequencer) Offer(snap types.Snapshot) []types.Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.last > 0 && snap.Revision <= q.last {
		staleDrops.Inc()
		return nil
	}

	if q.last == 0 || snap.Revision == q.last+1 {
		ready := []types.Snapshot{snap}
		q.last = snap.Revision
		return append(ready, q.drain()...)
	}

	q.hold(snap)

	// A genuine loss would stall the stream forever; past the hold limit we
	// flush in revision order and accept the gap.
	if len(q.held) >= q.maxHeld {
		reorderFlushes.Inc()
		flushed := q.held
		q.held = nil
		q.last = flushed[len(flushed)-1].Revision
		return flushed
	}
	return nil
}

// drain releases any held snapshots that are now contiguous with the last
// delivered revision.
func (q *Sequencer) drain() []types.Snapshot {
	var ready []types.Snapshot
	for len(q.held) > 0 && q.held[0].Revision == q.last+1 {
		ready = append(ready, q.held[0])
		q.last = q.held[0].Revision
		q.held = q.held[1:]
	}
	return ready
}

func (q *Sequencer) hold(snap types.Snapshot) {
	for _, h := range q.held {
		if h.Revision == snap.Revision {
			staleDrops.Inc()
			return
		}
	}
	q.held = append(q.held, snap)
	sort.Slice(q.held, func(i, j int) bool { return q.held[i].Revision < q.held[j].Revision })
}
