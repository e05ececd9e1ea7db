package endpoint

import (
	"context"
	"io"
	"net"
	"sync"
)

const udpPeerQueue = 64

func (e *Endpoint) dialUDP(ctx context.Context) (io.ReadWriteCloser, error) {
	var d net.Dialer
	return d.DialContext(ctx, "udp", e.desc.Address)
}

// runUDPListener binds a shared datagram socket and demultiplexes it by
// remote address: every distinct sender becomes a transient child whose
// replies go back out the shared socket. Children that fall silent past
// the idle timeout are detached.
func (e *Endpoint) runUDPListener(ctx context.Context) {
	e.runLoop(ctx, func(ctx context.Context) (bool, error) {
		var lc net.ListenConfig
		pc, err := lc.ListenPacket(ctx, "udp", e.desc.Address)
		if err != nil {
			return false, err
		}
		e.setLocalAddr(pc.LocalAddr().String())
		e.setState(StateConnected, nil)
		return true, e.demuxPackets(ctx, pc)
	})
}

func (e *Endpoint) demuxPackets(ctx context.Context, pc net.PacketConn) error {
	go func() {
		<-ctx.Done()
		_ = pc.Close()
	}()

	var mu sync.Mutex
	peers := make(map[string]*udpPeerConn)

	buf := make([]byte, 4096)
	for {
		n, raddr, err := pc.ReadFrom(buf)
		if err != nil {
			return err
		}
		key := raddr.String()
		mu.Lock()
		pconn, ok := peers[key]
		if !ok {
			pconn = newUDPPeerConn(pc, raddr)
			peers[key] = pconn
			child := e.spawnChild(ctx, pconn, key)
			go func() {
				<-child.Done()
				mu.Lock()
				delete(peers, key)
				mu.Unlock()
			}()
		}
		mu.Unlock()
		b := make([]byte, n)
		copy(b, buf[:n])
		pconn.deliver(b)
	}
}

// udpPeerConn adapts one remote address on a shared packet socket to the
// stream interface serve expects. Close detaches the peer; the shared
// socket stays open.
type udpPeerConn struct {
	pc    net.PacketConn
	raddr net.Addr
	in    chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newUDPPeerConn(pc net.PacketConn, raddr net.Addr) *udpPeerConn {
	return &udpPeerConn{
		pc:     pc,
		raddr:  raddr,
		in:     make(chan []byte, udpPeerQueue),
		closed: make(chan struct{}),
	}
}

// Read returns one datagram from this peer.
func (c *udpPeerConn) Read(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	case b := <-c.in:
		return copy(p, b), nil
	}
}

func (c *udpPeerConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	return c.pc.WriteTo(p, c.raddr)
}

func (c *udpPeerConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// deliver hands a datagram to the peer's reader without blocking the
// demux loop.
func (c *udpPeerConn) deliver(b []byte) {
	select {
	case c.in <- b:
	default:
	}
}
