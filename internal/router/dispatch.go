package router

import (
	"sync"
	"sync/atomic"

	"github.com/joaoantoniocardoso/mavlink-server/internal/mavlink"
	"github.com/joaoantoniocardoso/mavlink-server/internal/metrics"
)

// Filter selects which routed frames a subscription receives.
type Filter struct {
	// MsgIDs lists the message IDs to deliver; empty means every message.
	MsgIDs []uint32
	// SystemID restricts delivery to one source system; zero means any.
	SystemID uint8
	// Buffer overrides the dispatcher's default channel capacity.
	Buffer int
}

// Subscription is one in-process consumer of the routed stream. Receive
// from Frames until it is closed. A consumer that falls behind loses its
// own oldest frames and affects nobody else.
type Subscription struct {
	d       *Dispatcher
	filter  Filter
	ch      chan *mavlink.Frame
	dropped atomic.Uint64
	closed  bool // guarded by d.mu
}

// Frames returns the delivery channel. Close closes it.
func (s *Subscription) Frames() <-chan *mavlink.Frame { return s.ch }

// Dropped returns how many frames this subscription lost to a full buffer.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, id := range s.filter.MsgIDs {
		s.d.byID[id] = removeSub(s.d.byID[id], s)
		if len(s.d.byID[id]) == 0 {
			delete(s.d.byID, id)
		}
	}
	if len(s.filter.MsgIDs) == 0 {
		s.d.wildcard = removeSub(s.d.wildcard, s)
	}
	close(s.ch)
}

func removeSub(subs []*Subscription, s *Subscription) []*Subscription {
	for i, v := range subs {
		if v == s {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// Dispatcher fans routed frames out to subscribers, indexed by message ID
// so publishing a frame costs only the subscribers that asked for it.
type Dispatcher struct {
	mu       sync.RWMutex
	byID     map[uint32][]*Subscription
	wildcard []*Subscription
	buffer   int
}

// NewDispatcher returns a dispatcher whose subscriptions buffer
// defaultBuffer frames unless their filter overrides it.
func NewDispatcher(defaultBuffer int) *Dispatcher {
	if defaultBuffer < 1 {
		defaultBuffer = DefaultDispatchBuffer
	}
	return &Dispatcher{byID: make(map[uint32][]*Subscription), buffer: defaultBuffer}
}

// Subscribe registers a consumer for frames matching the filter.
func (d *Dispatcher) Subscribe(f Filter) *Subscription {
	buf := f.Buffer
	if buf < 1 {
		buf = d.buffer
	}
	s := &Subscription{d: d, filter: f, ch: make(chan *mavlink.Frame, buf)}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(f.MsgIDs) == 0 {
		d.wildcard = append(d.wildcard, s)
		return s
	}
	for _, id := range f.MsgIDs {
		d.byID[id] = append(d.byID[id], s)
	}
	return s
}

// Subscribers returns the number of live subscriptions.
func (d *Dispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := make(map[*Subscription]struct{})
	for _, subs := range d.byID {
		for _, s := range subs {
			seen[s] = struct{}{}
		}
	}
	return len(seen) + len(d.wildcard)
}

// Publish delivers f to every matching subscription. It never blocks: a
// full subscription buffer loses its oldest frame to make room.
func (d *Dispatcher) Publish(f *mavlink.Frame) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.byID[f.MsgID] {
		s.deliver(f)
	}
	for _, s := range d.wildcard {
		s.deliver(f)
	}
}

func (s *Subscription) deliver(f *mavlink.Frame) {
	if s.filter.SystemID != 0 && s.filter.SystemID != f.SystemID {
		return
	}
	select {
	case s.ch <- f:
		return
	default:
	}
	select {
	case <-s.ch:
		s.dropped.Add(1)
		metrics.RecordSubscriberDrop()
	default:
	}
	select {
	case s.ch <- f:
	default:
		// A concurrent publisher took the freed slot; the new frame is the loss.
		s.dropped.Add(1)
		metrics.RecordSubscriberDrop()
	}
}
