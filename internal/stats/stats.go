// Package stats aggregates traffic statistics: hub-wide routed totals,
// per-endpoint transfer rates and per-stream message frequencies. A
// collector rides a wildcard router subscription for routed traffic and
// samples endpoint counters on a settable period.
package stats

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/joaoantoniocardoso/mavlink-server/internal/endpoint"
	"github.com/joaoantoniocardoso/mavlink-server/internal/mavlink"
	"github.com/joaoantoniocardoso/mavlink-server/internal/router"
)

const (
	DefaultPeriod  = time.Second
	MinPeriod      = 10 * time.Millisecond
	defaultMaxKeys = 1024
)

// MessageKey identifies one stream: a message ID from one system and
// component.
type MessageKey struct {
	SystemID    uint8
	ComponentID uint8
	MsgID       uint32
}

// MessageStats is the per-stream slice of a snapshot.
type MessageStats struct {
	SystemID    uint8     `json:"system_id"`
	ComponentID uint8     `json:"component_id"`
	MsgID       uint32    `json:"msg_id"`
	Count       uint64    `json:"count"`
	Frequency   float64   `json:"frequency_hz"`
	LastSeen    time.Time `json:"last_seen"`
}

// HubStats covers everything the router forwarded, after dedup.
type HubStats struct {
	Frames    uint64  `json:"frames"`
	Bytes     uint64  `json:"bytes"`
	FrameRate float64 `json:"frames_per_s"`
	ByteRate  float64 `json:"bytes_per_s"`
}

// EndpointStats is one endpoint's totals and rates since the last reset.
type EndpointStats struct {
	Name         string  `json:"name"`
	Kind         string  `json:"kind"`
	State        string  `json:"state"`
	Transient    bool    `json:"transient,omitempty"`
	RxFrames     uint64  `json:"rx_frames"`
	TxFrames     uint64  `json:"tx_frames"`
	RxBytes      uint64  `json:"rx_bytes"`
	TxBytes      uint64  `json:"tx_bytes"`
	RxFrameRate  float64 `json:"rx_frames_per_s"`
	TxFrameRate  float64 `json:"tx_frames_per_s"`
	RxByteRate   float64 `json:"rx_bytes_per_s"`
	TxByteRate   float64 `json:"tx_bytes_per_s"`
	QueueDrops   uint64  `json:"queue_drops"`
	DecodeErrors uint64  `json:"decode_errors"`
}

// Snapshot is one fully computed statistics sample.
type Snapshot struct {
	Taken     time.Time       `json:"taken"`
	PeriodS   float64         `json:"period_s"`
	Hub       HubStats        `json:"hub"`
	Endpoints []EndpointStats `json:"endpoints"`
	Messages  []MessageStats  `json:"messages"`
}

// Options tune a collector; zero values pick the defaults.
type Options struct {
	Period  time.Duration
	MaxKeys int // bound on distinct message streams tracked
}

type messageCounter struct {
	count    uint64
	prev     uint64
	freq     float64
	lastSeen time.Time
}

type endpointSample struct {
	base endpoint.Status // counters at the last reset
	prev endpoint.Status // counters at the last roll
	rxFrameRate, txFrameRate,
	rxByteRate, txByteRate float64
}

// Collector accumulates and periodically rolls statistics.
type Collector struct {
	r       *router.Router
	list    func() []endpoint.Status
	maxKeys int

	periodCh chan time.Duration

	mu        sync.Mutex
	period    time.Duration
	hubFrames uint64
	hubBytes  uint64
	hubPrev   HubStats
	messages  map[MessageKey]*messageCounter
	endpoints map[string]*endpointSample
	snapshot  Snapshot
}

// New builds a collector over the router's traffic. list supplies the
// current endpoint statuses on every sample; pass nil to skip endpoint
// stats.
func New(r *router.Router, list func() []endpoint.Status, opts Options) *Collector {
	if opts.Period < MinPeriod {
		opts.Period = DefaultPeriod
	}
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = defaultMaxKeys
	}
	if list == nil {
		list = func() []endpoint.Status { return nil }
	}
	return &Collector{
		r:         r,
		list:      list,
		maxKeys:   opts.MaxKeys,
		periodCh:  make(chan time.Duration, 1),
		period:    opts.Period,
		messages:  make(map[MessageKey]*messageCounter),
		endpoints: make(map[string]*endpointSample),
	}
}

// Start launches the collector's goroutines; they run until ctx ends.
func (c *Collector) Start(ctx context.Context) {
	sub := c.r.Subscribe(router.Filter{})
	go c.consume(ctx, sub)
	go c.sample(ctx)
}

func (c *Collector) consume(ctx context.Context, sub *router.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-sub.Frames():
			if f == nil {
				return
			}
			c.observe(f)
		}
	}
}

func (c *Collector) observe(f *mavlink.Frame) {
	n := uint64(f.WireLen())
	key := MessageKey{SystemID: f.SystemID, ComponentID: f.ComponentID, MsgID: f.MsgID}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hubFrames++
	c.hubBytes += n
	m := c.messages[key]
	if m == nil {
		if len(c.messages) >= c.maxKeys {
			return
		}
		m = &messageCounter{}
		c.messages[key] = m
	}
	m.count++
	m.lastSeen = time.Now()
}

func (c *Collector) sample(ctx context.Context) {
	ticker := time.NewTicker(c.Period())
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-c.periodCh:
			ticker.Reset(p)
		case now := <-ticker.C:
			c.roll(now.Sub(last))
			last = now
		}
	}
}

// roll recomputes every rate over the elapsed interval and publishes a
// fresh snapshot.
func (c *Collector) roll(elapsed time.Duration) {
	secs := elapsed.Seconds()
	statuses := c.list()

	c.mu.Lock()
	defer c.mu.Unlock()

	hub := HubStats{Frames: c.hubFrames, Bytes: c.hubBytes}
	if secs > 0 {
		hub.FrameRate = float64(hub.Frames-c.hubPrev.Frames) / secs
		hub.ByteRate = float64(hub.Bytes-c.hubPrev.Bytes) / secs
	}
	c.hubPrev = hub

	msgs := make([]MessageStats, 0, len(c.messages))
	for key, m := range c.messages {
		if secs > 0 {
			m.freq = float64(m.count-m.prev) / secs
		}
		m.prev = m.count
		msgs = append(msgs, MessageStats{
			SystemID:    key.SystemID,
			ComponentID: key.ComponentID,
			MsgID:       key.MsgID,
			Count:       m.count,
			Frequency:   m.freq,
			LastSeen:    m.lastSeen,
		})
	}
	sort.Slice(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if a.SystemID != b.SystemID {
			return a.SystemID < b.SystemID
		}
		if a.ComponentID != b.ComponentID {
			return a.ComponentID < b.ComponentID
		}
		return a.MsgID < b.MsgID
	})

	eps := make([]EndpointStats, 0, len(statuses))
	seen := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		seen[st.ID] = true
		s := c.endpoints[st.ID]
		if s == nil {
			s = &endpointSample{base: st, prev: st}
			c.endpoints[st.ID] = s
		}
		if secs > 0 {
			s.rxFrameRate = float64(st.RxFrames-s.prev.RxFrames) / secs
			s.txFrameRate = float64(st.TxFrames-s.prev.TxFrames) / secs
			s.rxByteRate = float64(st.RxBytes-s.prev.RxBytes) / secs
			s.txByteRate = float64(st.TxBytes-s.prev.TxBytes) / secs
		}
		s.prev = st
		eps = append(eps, EndpointStats{
			Name:         st.Name,
			Kind:         st.Kind,
			State:        st.State,
			Transient:    st.Transient,
			RxFrames:     st.RxFrames - s.base.RxFrames,
			TxFrames:     st.TxFrames - s.base.TxFrames,
			RxBytes:      st.RxBytes - s.base.RxBytes,
			TxBytes:      st.TxBytes - s.base.TxBytes,
			RxFrameRate:  s.rxFrameRate,
			TxFrameRate:  s.txFrameRate,
			RxByteRate:   s.rxByteRate,
			TxByteRate:   s.txByteRate,
			QueueDrops:   st.QueueDrops,
			DecodeErrors: st.DecodeErrors,
		})
	}
	for id := range c.endpoints {
		if !seen[id] {
			delete(c.endpoints, id)
		}
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].Name < eps[j].Name })

	c.snapshot = Snapshot{
		Taken:     time.Now(),
		PeriodS:   c.period.Seconds(),
		Hub:       hub,
		Endpoints: eps,
		Messages:  msgs,
	}
}

// Snapshot returns the most recently rolled sample.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Period returns the current sample period.
func (c *Collector) Period() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.period
}

// SetPeriod changes the sample period. Values below MinPeriod are
// clamped.
func (c *Collector) SetPeriod(p time.Duration) {
	if p < MinPeriod {
		p = MinPeriod
	}
	c.mu.Lock()
	c.period = p
	c.mu.Unlock()
	select {
	case <-c.periodCh: // replace a pending value
	default:
	}
	select {
	case c.periodCh <- p:
	default:
	}
}

// Reset zeroes the hub totals, forgets every message stream and
// rebaselines endpoint totals at their current counters.
func (c *Collector) Reset() {
	statuses := c.list()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hubFrames = 0
	c.hubBytes = 0
	c.hubPrev = HubStats{}
	c.messages = make(map[MessageKey]*messageCounter)
	for _, st := range statuses {
		if s := c.endpoints[st.ID]; s != nil {
			s.base = st
			s.prev = st
			s.rxFrameRate, s.txFrameRate = 0, 0
			s.rxByteRate, s.txByteRate = 0, 0
		}
	}
	c.snapshot = Snapshot{Taken: time.Now(), PeriodS: c.period.Seconds()}
}
