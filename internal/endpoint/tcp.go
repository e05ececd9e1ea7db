package endpoint

import (
	"context"
	"io"
	"net"
	"time"
)

const tcpDialTimeout = 10 * time.Second

func (e *Endpoint) dialTCP(ctx context.Context) (io.ReadWriteCloser, error) {
	d := net.Dialer{Timeout: tcpDialTimeout}
	return d.DialContext(ctx, "tcp", e.desc.Address)
}

// runTCPListener binds the descriptor's address and attaches a transient
// child per accepted connection. A failed bind is retried with backoff.
func (e *Endpoint) runTCPListener(ctx context.Context) {
	e.runLoop(ctx, func(ctx context.Context) (bool, error) {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", e.desc.Address)
		if err != nil {
			return false, err
		}
		e.setLocalAddr(ln.Addr().String())
		e.setState(StateConnected, nil)
		return true, e.acceptLoop(ctx, ln)
	})
}

func (e *Endpoint) acceptLoop(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		e.spawnChild(ctx, conn, conn.RemoteAddr().String())
	}
}
