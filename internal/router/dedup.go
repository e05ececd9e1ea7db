package router

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/joaoantoniocardoso/mavlink-server/internal/mavlink"
	"github.com/joaoantoniocardoso/mavlink-server/internal/metrics"
)

// RouteKey identifies one sender/message stream for duplicate tracking.
type RouteKey struct {
	SystemID    uint8
	ComponentID uint8
	MsgID       uint32
}

// seqWindow remembers the last few sequence numbers accepted on a route.
// Not safe for concurrent use; the owning table serializes access.
type seqWindow struct {
	recent []uint8
	n      int
	next   int
}

// observe reports whether seq was seen recently, recording it when not.
func (w *seqWindow) observe(seq uint8) bool {
	for i := 0; i < w.n; i++ {
		if w.recent[i] == seq {
			return true
		}
	}
	if w.n < len(w.recent) {
		w.recent[w.n] = seq
		w.n++
		return false
	}
	w.recent[w.next] = seq
	w.next = (w.next + 1) % len(w.recent)
	return false
}

// dedupTable recognizes frames the router already forwarded: a frame
// reflected back by another bridge, or arriving over parallel paths,
// repeats a sequence number recently routed for the same (system,
// component, message) stream. Idle routes are evicted so the table stays
// bounded however many vehicles come and go.
type dedupTable struct {
	mu     sync.Mutex
	window int
	routes *expirable.LRU[RouteKey, *seqWindow]
}

func newDedupTable(size, window int, ttl time.Duration) *dedupTable {
	if window < 1 {
		window = 1
	}
	return &dedupTable{
		window: window,
		routes: expirable.NewLRU[RouteKey, *seqWindow](size, nil, ttl),
	}
}

// Duplicate reports whether the frame repeats a recently routed sequence
// number for its stream, recording the sequence when it does not. Forward
// jumps are accepted as loss, not duplication.
func (t *dedupTable) Duplicate(f *mavlink.Frame) bool {
	key := RouteKey{SystemID: f.SystemID, ComponentID: f.ComponentID, MsgID: f.MsgID}
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.routes.Get(key)
	if !ok {
		w = &seqWindow{recent: make([]uint8, t.window)}
	}
	dup := w.observe(f.Sequence)
	t.routes.Add(key, w)
	metrics.SetDedupRoutes(t.routes.Len())
	return dup
}

// Routes returns the number of streams currently tracked.
func (t *dedupTable) Routes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.routes.Len()
}
