// Package router moves frames between attached endpoints. Every frame
// accepted from one endpoint fans out to all others that want it, never
// back to its origin, and duplicates arriving over parallel paths are
// dropped exactly once. A message-ID-indexed dispatcher exposes the same
// stream to in-process subscribers.
package router

import (
	"sync"
	"time"

	"github.com/joaoantoniocardoso/mavlink-server/internal/logx"
	"github.com/joaoantoniocardoso/mavlink-server/internal/mavlink"
	"github.com/joaoantoniocardoso/mavlink-server/internal/metrics"
)

// Defaults for Options zero values.
const (
	DefaultDedupSize      = 4096
	DefaultDedupWindow    = 8
	DefaultDedupTTL       = time.Minute
	DefaultDispatchBuffer = 64
)

// Sink receives routed frames. Endpoints implement it; the router needs
// only identity, filtering and a non-blocking handoff.
type Sink interface {
	ID() string
	Name() string
	Accepts(f *mavlink.Frame) bool
	Send(f *mavlink.Frame)
}

// Options tune the router. Zero values select the defaults.
type Options struct {
	DedupSize      int           // distinct routes tracked
	DedupWindow    int           // sequence numbers remembered per route
	DedupTTL       time.Duration // idle route eviction
	DispatchBuffer int           // default subscription buffer
}

// Router owns the endpoint registry, the duplicate guard and the
// dispatcher. All methods are safe for concurrent use.
type Router struct {
	mu    sync.RWMutex
	sinks map[string]Sink

	dedup    *dedupTable
	dispatch *Dispatcher
}

// New returns a router with no endpoints attached.
func New(opts Options) *Router {
	if opts.DedupSize < 1 {
		opts.DedupSize = DefaultDedupSize
	}
	if opts.DedupWindow < 1 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = DefaultDedupTTL
	}
	if opts.DispatchBuffer < 1 {
		opts.DispatchBuffer = DefaultDispatchBuffer
	}
	return &Router{
		sinks:    make(map[string]Sink),
		dedup:    newDedupTable(opts.DedupSize, opts.DedupWindow, opts.DedupTTL),
		dispatch: NewDispatcher(opts.DispatchBuffer),
	}
}

// Attach registers an endpoint for fan-out. Safe at any time, including
// while frames are in flight.
func (r *Router) Attach(s Sink) {
	r.mu.Lock()
	r.sinks[s.ID()] = s
	n := len(r.sinks)
	r.mu.Unlock()
	metrics.SetAttachedEndpoints(n)
	logx.Log.Debug().Str("endpoint", s.Name()).Str("id", s.ID()).Int("attached", n).Msg("endpoint attached")
}

// Detach unregisters an endpoint. Frames already handed to it are its own
// to discard.
func (r *Router) Detach(id string) {
	r.mu.Lock()
	s, ok := r.sinks[id]
	delete(r.sinks, id)
	n := len(r.sinks)
	r.mu.Unlock()
	metrics.SetAttachedEndpoints(n)
	if ok {
		logx.Log.Debug().Str("endpoint", s.Name()).Str("id", id).Int("attached", n).Msg("endpoint detached")
	}
}

// Endpoints returns the currently attached sinks.
func (r *Router) Endpoints() []Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		out = append(out, s)
	}
	return out
}

// Routes returns the number of streams the duplicate guard tracks.
func (r *Router) Routes() int { return r.dedup.Routes() }

// Subscribe registers an in-process consumer of the routed stream.
func (r *Router) Subscribe(f Filter) *Subscription { return r.dispatch.Subscribe(f) }

// Ingest routes one decoded frame. origin is the ID of the endpoint the
// frame arrived on, or empty for frames built in-process; the frame is
// never sent back there. Ingest never blocks on a slow endpoint.
func (r *Router) Ingest(origin string, f *mavlink.Frame) {
	if r.dedup.Duplicate(f) {
		metrics.RecordDrop("duplicate")
		logx.Log.Trace().
			Uint8("sysid", f.SystemID).Uint8("compid", f.ComponentID).
			Uint32("msgid", f.MsgID).Uint8("seq", f.Sequence).
			Msg("duplicate frame dropped")
		return
	}
	metrics.RecordForwarded()

	r.mu.RLock()
	for id, s := range r.sinks {
		if id == origin {
			continue
		}
		if !s.Accepts(f) {
			continue
		}
		s.Send(f)
	}
	r.mu.RUnlock()

	r.dispatch.Publish(f)
}
