// Package endpoint connects transports to the router. Every endpoint owns
// one decoder and one encoder, pumps bytes in and frames out, and keeps
// itself alive: persistent endpoints redial with backoff, listener
// endpoints attach a transient child per accepted peer.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/joaoantoniocardoso/mavlink-server/internal/logx"
	"github.com/joaoantoniocardoso/mavlink-server/internal/mavlink"
	"github.com/joaoantoniocardoso/mavlink-server/internal/metrics"
	"github.com/joaoantoniocardoso/mavlink-server/internal/router"
)

// Hub is the routing core an endpoint feeds and registers peers with.
// *router.Router implements it.
type Hub interface {
	Ingest(origin string, f *mavlink.Frame)
	Attach(s router.Sink)
	Detach(id string)
}

// State of the transport link.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateClosed       State = "closed"
)

// Endpoint is one attached transport. Create with New, register with the
// hub, then Start.
type Endpoint struct {
	id      string
	desc    Descriptor
	hub     Hub
	dialect *mavlink.Dialect

	// sigTimestamps is the signature replay watermark, shared by every
	// decoder this endpoint creates so reconnects cannot rewind it.
	// Listener children share their parent's.
	sigTimestamps *mavlink.LinkTimestamps

	out  chan *mavlink.Frame
	done chan struct{}

	mu        sync.Mutex
	state     State
	lastError string
	localAddr string // bound address, once a listener is up

	lastActivity atomic.Int64 // unix nanos of the last transport traffic

	rxFrames   atomic.Uint64
	txFrames   atomic.Uint64
	rxBytes    atomic.Uint64
	txBytes    atomic.Uint64
	queueDrops atomic.Uint64
	decodeErrs atomic.Uint64
}

// New builds an endpoint from its descriptor. It does nothing until Start.
func New(desc Descriptor, dialect *mavlink.Dialect, hub Hub) (*Endpoint, error) {
	if err := desc.validate(); err != nil {
		return nil, err
	}
	desc.applyDefaults()
	if dialect == nil {
		dialect = mavlink.CommonDialect()
	}
	return &Endpoint{
		id:            uuid.NewString(),
		desc:          desc,
		hub:           hub,
		dialect:       dialect,
		sigTimestamps: &mavlink.LinkTimestamps{},
		out:           make(chan *mavlink.Frame, desc.QueueSize),
		done:          make(chan struct{}),
		state:         StateConnecting,
	}, nil
}

// ID returns the process-unique endpoint ID used for origin exclusion.
func (e *Endpoint) ID() string { return e.id }

// Name returns the endpoint's stable label.
func (e *Endpoint) Name() string { return e.desc.Name }

// Descriptor returns a copy of the endpoint's configuration.
func (e *Endpoint) Descriptor() Descriptor { return e.desc }

// Done is closed once the endpoint has fully stopped.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// State returns the current link state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Endpoint) setLocalAddr(addr string) {
	e.mu.Lock()
	e.localAddr = addr
	e.mu.Unlock()
}

// LocalAddr returns the listener's bound address, useful when the
// descriptor asked for port 0.
func (e *Endpoint) LocalAddr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localAddr
}

// Accepts reports whether routed frames should be handed to this endpoint.
// Listener parents never take frames themselves; their transient children do.
func (e *Endpoint) Accepts(f *mavlink.Frame) bool {
	if e.desc.Direction == DirIn {
		return false
	}
	if e.desc.Kind.listener() && !e.desc.Transient {
		return false
	}
	return e.desc.accepts(f)
}

// Send queues f for transmission without ever blocking the router. A full
// queue loses its oldest frame to make room for the newest.
func (e *Endpoint) Send(f *mavlink.Frame) {
	select {
	case e.out <- f:
		return
	default:
	}
	select {
	case <-e.out:
		e.queueDrops.Add(1)
		metrics.RecordQueueDrop(e.desc.Name)
	default:
	}
	select {
	case e.out <- f:
	default:
		// A concurrent sender took the freed slot; the new frame is the loss.
		e.queueDrops.Add(1)
		metrics.RecordQueueDrop(e.desc.Name)
	}
}

// Start launches the endpoint. It runs until ctx is canceled.
func (e *Endpoint) Start(ctx context.Context) {
	switch e.desc.Kind {
	case KindTCPServer:
		go e.runTCPListener(ctx)
	case KindUDPServer:
		go e.runUDPListener(ctx)
	case KindWSServer:
		go e.runWSListener(ctx)
	case KindFakeSource:
		go e.runFakeSource(ctx)
	case KindFakeSink:
		go e.runFakeSink(ctx)
	default:
		go e.runDialer(ctx)
	}
}

func (e *Endpoint) setState(s State, cause error) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	if cause != nil {
		e.lastError = cause.Error()
	}
	e.mu.Unlock()
	if prev == s {
		return
	}
	metrics.RecordStateTransition(e.desc.Name, string(s))
	if !e.desc.Transient {
		metrics.SetEndpointUp(e.desc.Name, s == StateConnected)
	}
	evt := logx.Log.Info().Str("endpoint", e.desc.Name).Str("state", string(s))
	if cause != nil {
		evt = evt.Err(cause)
	}
	evt.Msg("endpoint state changed")
}

// runLoop drives connect with the shared backoff cycle until ctx ends.
// connect blocks for the life of one link or listener and reports whether
// it got as far as connecting, which resets the backoff.
func (e *Endpoint) runLoop(ctx context.Context, connect func(context.Context) (bool, error)) {
	defer close(e.done)
	attempt := 0
	for {
		e.setState(StateConnecting, nil)
		connected, err := connect(ctx)
		if ctx.Err() != nil {
			e.setState(StateClosed, nil)
			return
		}
		if connected {
			attempt = 0
		}
		e.setState(StateDisconnected, err)
		delay := backoffDelay(attempt, e.desc.ReconnectMax)
		attempt++
		logx.Log.Warn().Str("endpoint", e.desc.Name).Dur("backoff", delay).Err(err).Msg("link lost; reconnecting")
		select {
		case <-ctx.Done():
			e.setState(StateClosed, nil)
			return
		case <-time.After(delay):
		}
	}
}

// backoffDelay doubles from half a second up to limit.
func backoffDelay(attempt int, limit time.Duration) time.Duration {
	if attempt > 10 {
		return limit
	}
	d := 500 * time.Millisecond << uint(attempt)
	if d > limit {
		return limit
	}
	return d
}

func (e *Endpoint) runDialer(ctx context.Context) {
	e.runLoop(ctx, func(ctx context.Context) (bool, error) {
		conn, err := e.dial(ctx)
		if err != nil {
			return false, err
		}
		e.setState(StateConnected, nil)
		return true, e.serve(ctx, conn)
	})
}

func (e *Endpoint) dial(ctx context.Context) (io.ReadWriteCloser, error) {
	switch e.desc.Kind {
	case KindSerial:
		return e.dialSerial()
	case KindTCPClient:
		return e.dialTCP(ctx)
	case KindUDPClient:
		return e.dialUDP(ctx)
	}
	return nil, fmt.Errorf("endpoint: kind %q cannot dial", e.desc.Kind)
}

// flushTimeout bounds the drain of queued frames at teardown.
const flushTimeout = time.Second

// serve runs the pumps until the transport fails, ctx ends or the idle
// watchdog fires. conn is always closed on the way out, after the write
// pump had up to flushTimeout to drain frames already queued.
func (e *Endpoint) serve(ctx context.Context, conn io.ReadWriteCloser) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	flushed := make(chan struct{})
	go func() {
		<-connCtx.Done()
		select {
		case <-flushed:
		case <-time.After(flushTimeout):
		}
		_ = conn.Close()
	}()

	e.lastActivity.Store(time.Now().UnixNano())
	if e.desc.IdleTimeout > 0 {
		go e.watchIdle(connCtx, cancel)
	}

	errCh := make(chan error, 2)
	if e.desc.Direction != DirOut {
		go func() { errCh <- e.readPump(conn) }()
	}
	if e.desc.Direction != DirIn {
		go func() { errCh <- e.writePump(connCtx, conn, flushed) }()
	} else {
		close(flushed)
	}
	err := <-errCh
	cancel()
	return err
}

func (e *Endpoint) watchIdle(ctx context.Context, cancel context.CancelFunc) {
	tick := e.desc.IdleTimeout / 2
	if tick <= 0 {
		tick = e.desc.IdleTimeout // NewTicker panics on a non-positive interval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, e.lastActivity.Load())
			if time.Since(last) > e.desc.IdleTimeout {
				logx.Log.Info().Str("endpoint", e.desc.Name).Dur("idle", e.desc.IdleTimeout).Msg("idle timeout; closing link")
				cancel()
				return
			}
		}
	}
}

func (e *Endpoint) readPump(conn io.Reader) error {
	dec := &mavlink.Decoder{
		Dialect:       e.dialect,
		Key:           e.desc.SigningKey,
		AllowUnsigned: e.desc.AllowUnsigned,
		Strict:        e.desc.Strict,
		Timestamps:    e.sigTimestamps,
	}
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			e.rxBytes.Add(uint64(n))
			metrics.RecordBytesIn(e.desc.Name, n)
			e.lastActivity.Store(time.Now().UnixNano())
			dec.Push(buf[:n])
			e.drainDecoder(dec)
		}
		if err != nil {
			return err
		}
	}
}

func (e *Endpoint) drainDecoder(dec *mavlink.Decoder) {
	for {
		f, err := dec.Next()
		if f != nil {
			e.rxFrames.Add(1)
			metrics.RecordFrameReceived(e.desc.Name)
			e.hub.Ingest(e.id, f)
			continue
		}
		if err != nil {
			var de *mavlink.DecodeError
			if errors.As(err, &de) {
				e.decodeErrs.Add(1)
				metrics.RecordDecodeError(e.desc.Name, de.Reason)
				logx.Log.Debug().Str("endpoint", e.desc.Name).
					Str("reason", de.Reason).Int("skipped", de.Skipped).
					Msg("corrupt input")
			}
			continue
		}
		return
	}
}

func (e *Endpoint) writePump(ctx context.Context, conn io.Writer, flushed chan<- struct{}) error {
	defer close(flushed)
	enc := &mavlink.Encoder{Dialect: e.dialect, Key: e.desc.SigningKey, LinkID: e.desc.LinkID}
	for {
		select {
		case <-ctx.Done():
			e.flushQueue(conn, enc)
			return ctx.Err()
		case f := <-e.out:
			b, err := enc.Encode(f)
			if err != nil {
				metrics.RecordEncodeError(e.desc.Name)
				logx.Log.Debug().Str("endpoint", e.desc.Name).Uint32("msgid", f.MsgID).Err(err).
					Msg("frame not encodable for this link")
				continue
			}
			if _, err := conn.Write(b); err != nil {
				return err
			}
			e.txFrames.Add(1)
			e.txBytes.Add(uint64(len(b)))
			e.lastActivity.Store(time.Now().UnixNano())
			metrics.RecordFrameSent(e.desc.Name)
			metrics.RecordBytesOut(e.desc.Name, len(b))
		}
	}
}

// flushQueue writes out frames still queued at teardown. The conn closer
// enforces flushTimeout, so a stalled transport cannot hold shutdown up.
func (e *Endpoint) flushQueue(conn io.Writer, enc *mavlink.Encoder) {
	for {
		select {
		case f := <-e.out:
			b, err := enc.Encode(f)
			if err != nil {
				continue
			}
			if _, err := conn.Write(b); err != nil {
				return
			}
			e.txFrames.Add(1)
			e.txBytes.Add(uint64(len(b)))
			metrics.RecordFrameSent(e.desc.Name)
			metrics.RecordBytesOut(e.desc.Name, len(b))
		default:
			return
		}
	}
}

// spawnChild attaches a transient endpoint for one accepted peer and
// serves it until the peer goes away.
func (e *Endpoint) spawnChild(ctx context.Context, conn io.ReadWriteCloser, peer string) *Endpoint {
	desc := e.desc
	desc.Transient = true
	desc.Address = peer
	child := &Endpoint{
		id:            uuid.NewString(),
		desc:          desc,
		hub:           e.hub,
		dialect:       e.dialect,
		sigTimestamps: e.sigTimestamps,
		out:           make(chan *mavlink.Frame, desc.QueueSize),
		done:          make(chan struct{}),
		state:         StateConnecting,
	}
	e.hub.Attach(child)
	logx.Log.Info().Str("endpoint", desc.Name).Str("peer", peer).Msg("peer connected")
	go func() {
		defer close(child.done)
		child.setState(StateConnected, nil)
		err := child.serve(ctx, conn)
		child.setState(StateClosed, err)
		e.hub.Detach(child.id)
		logx.Log.Info().Str("endpoint", desc.Name).Str("peer", peer).Err(err).Msg("peer disconnected")
	}()
	return child
}

// Status is a point-in-time snapshot for the status surface.
type Status struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	Address      string `json:"address,omitempty"`
	LocalAddress string `json:"local_address,omitempty"`
	Direction    string `json:"direction"`
	Transient    bool   `json:"transient,omitempty"`
	State        string `json:"state"`
	LastError    string `json:"last_error,omitempty"`
	QueueDepth   int    `json:"queue_depth"`
	QueueCap     int    `json:"queue_cap"`
	RxFrames     uint64 `json:"rx_frames"`
	TxFrames     uint64 `json:"tx_frames"`
	RxBytes      uint64 `json:"rx_bytes"`
	TxBytes      uint64 `json:"tx_bytes"`
	QueueDrops   uint64 `json:"queue_drops"`
	DecodeErrors uint64 `json:"decode_errors"`
}

// Status returns a snapshot of the endpoint's state and counters.
func (e *Endpoint) Status() Status {
	e.mu.Lock()
	st, lastErr, laddr := e.state, e.lastError, e.localAddr
	e.mu.Unlock()
	return Status{
		ID:           e.id,
		Name:         e.desc.Name,
		Kind:         string(e.desc.Kind),
		Address:      e.desc.Address,
		LocalAddress: laddr,
		Direction:    string(e.desc.Direction),
		Transient:    e.desc.Transient,
		State:        string(st),
		LastError:    lastErr,
		QueueDepth:   len(e.out),
		QueueCap:     cap(e.out),
		RxFrames:     e.rxFrames.Load(),
		TxFrames:     e.txFrames.Load(),
		RxBytes:      e.rxBytes.Load(),
		TxBytes:      e.txBytes.Load(),
		QueueDrops:   e.queueDrops.Load(),
		DecodeErrors: e.decodeErrs.Load(),
	}
}
