package router

import (
	"sync"
	"testing"

	"github.com/joaoantoniocardoso/mavlink-server/internal/mavlink"
)

type fakeSink struct {
	id   string
	name string
	only []uint32 // accept only these message IDs; empty accepts all

	mu  sync.Mutex
	got []*mavlink.Frame
}

func (s *fakeSink) ID() string   { return s.id }
func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Accepts(f *mavlink.Frame) bool {
	if len(s.only) == 0 {
		return true
	}
	for _, id := range s.only {
		if id == f.MsgID {
			return true
		}
	}
	return false
}

func (s *fakeSink) Send(f *mavlink.Frame) {
	s.mu.Lock()
	s.got = append(s.got, f)
	s.mu.Unlock()
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestIngestFansOutExceptOrigin(t *testing.T) {
	r := New(Options{})
	a := &fakeSink{id: "a", name: "a"}
	b := &fakeSink{id: "b", name: "b"}
	c := &fakeSink{id: "c", name: "c"}
	r.Attach(a)
	r.Attach(b)
	r.Attach(c)

	r.Ingest("a", routeFrame(1, 1, mavlink.MsgIDHeartbeat, 1))

	if a.count() != 0 {
		t.Fatalf("origin received its own frame %d times", a.count())
	}
	if b.count() != 1 || c.count() != 1 {
		t.Fatalf("fan-out counts = %d,%d, want 1,1", b.count(), c.count())
	}
}

func TestIngestDropsReflectedFrame(t *testing.T) {
	r := New(Options{})
	a := &fakeSink{id: "a", name: "a"}
	b := &fakeSink{id: "b", name: "b"}
	r.Attach(a)
	r.Attach(b)

	f := routeFrame(1, 1, mavlink.MsgIDHeartbeat, 9)
	r.Ingest("a", f)
	if b.count() != 1 {
		t.Fatalf("b received %d frames, want 1", b.count())
	}

	// The same frame coming back from b repeats the sequence and must die
	// in the duplicate guard, not bounce forever between bridges.
	r.Ingest("b", f)
	if a.count() != 0 {
		t.Fatalf("reflected frame delivered to a %d times", a.count())
	}
	if b.count() != 1 {
		t.Fatalf("b count changed to %d", b.count())
	}
}

func TestIngestLocalOriginReachesEveryone(t *testing.T) {
	r := New(Options{})
	a := &fakeSink{id: "a", name: "a"}
	b := &fakeSink{id: "b", name: "b"}
	r.Attach(a)
	r.Attach(b)

	r.Ingest("", routeFrame(1, 1, mavlink.MsgIDHeartbeat, 1))
	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("counts = %d,%d, want 1,1", a.count(), b.count())
	}
}

func TestDetachStopsDelivery(t *testing.T) {
	r := New(Options{})
	a := &fakeSink{id: "a", name: "a"}
	b := &fakeSink{id: "b", name: "b"}
	r.Attach(a)
	r.Attach(b)

	r.Ingest("", routeFrame(1, 1, mavlink.MsgIDHeartbeat, 1))
	r.Detach("b")
	r.Ingest("", routeFrame(1, 1, mavlink.MsgIDHeartbeat, 2))

	if a.count() != 2 {
		t.Fatalf("a received %d frames, want 2", a.count())
	}
	if b.count() != 1 {
		t.Fatalf("detached b received %d frames, want 1", b.count())
	}
}

func TestSinkFilterRespected(t *testing.T) {
	r := New(Options{})
	a := &fakeSink{id: "a", name: "a"}
	b := &fakeSink{id: "b", name: "b", only: []uint32{mavlink.MsgIDAttitude}}
	r.Attach(a)
	r.Attach(b)

	r.Ingest("", routeFrame(1, 1, mavlink.MsgIDHeartbeat, 1))
	r.Ingest("", routeFrame(1, 1, mavlink.MsgIDAttitude, 2))

	if a.count() != 2 {
		t.Fatalf("a received %d frames, want 2", a.count())
	}
	if b.count() != 1 || b.got[0].MsgID != mavlink.MsgIDAttitude {
		t.Fatalf("filtered sink got %d frames (first %+v)", b.count(), b.got)
	}
}

func TestIngestPublishesToSubscribers(t *testing.T) {
	r := New(Options{})
	a := &fakeSink{id: "a", name: "a"}
	r.Attach(a)

	sub := r.Subscribe(Filter{MsgIDs: []uint32{mavlink.MsgIDHeartbeat}})
	defer sub.Close()

	r.Ingest("a", routeFrame(1, 1, mavlink.MsgIDHeartbeat, 1))

	f := tryRecv(sub)
	if f == nil || f.MsgID != mavlink.MsgIDHeartbeat {
		t.Fatalf("subscriber got %v", f)
	}

	// Duplicates are dropped before dispatch as well.
	r.Ingest("b", routeFrame(1, 1, mavlink.MsgIDHeartbeat, 1))
	if f = tryRecv(sub); f != nil {
		t.Fatalf("duplicate reached subscriber: %v", f)
	}
}

func TestEndpointsSnapshot(t *testing.T) {
	r := New(Options{})
	r.Attach(&fakeSink{id: "a", name: "a"})
	r.Attach(&fakeSink{id: "b", name: "b"})
	if got := len(r.Endpoints()); got != 2 {
		t.Fatalf("endpoints = %d, want 2", got)
	}
	r.Detach("a")
	if got := len(r.Endpoints()); got != 1 {
		t.Fatalf("endpoints after detach = %d, want 1", got)
	}
}
