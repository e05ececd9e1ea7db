package endpoint

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// runWSListener serves a websocket endpoint. Each accepted client carries
// frames as binary messages and is attached as a transient child for as
// long as the socket lives.
func (e *Endpoint) runWSListener(ctx context.Context) {
	e.runLoop(ctx, func(ctx context.Context) (bool, error) {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", e.desc.Address)
		if err != nil {
			return false, err
		}
		e.setLocalAddr(ln.Addr().String())
		e.setState(StateConnected, nil)
		return true, e.serveWS(ctx, ln)
	})
}

func (e *Endpoint) serveWS(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			conn := websocket.NetConn(ctx, c, websocket.MessageBinary)
			child := e.spawnChild(ctx, conn, r.RemoteAddr)
			<-child.Done()
		}),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	return srv.Serve(ln)
}
