package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/philsphicas/p2pcam/internal/metrics"
)

const (
	// wsPingInterval keeps idle viewer connections alive through proxies.
	wsPingInterval = 30 * time.Second
	wsPingTimeout  = 10 * time.Second

	// wsReadLimit bounds one WebSocket message from a viewer.
	wsReadLimit = 1 << 20
)

// WebSocketHandler returns an http.Handler that serves viewers over
// WebSocket. Frames are carried as a byte stream in binary messages, so
// the session is identical to a TCP one. TLS, when wanted, is the HTTP
// server's concern.
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if s.isClosed() {
			http.Error(rw, ErrServerClosed.Error(), http.StatusServiceUnavailable)
			return
		}
		ws, err := websocket.Accept(rw, r, &websocket.AcceptOptions{
			OriginPatterns: s.cfg.WebSocketOrigins,
		})
		if err != nil {
			s.cfg.Logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		ws.SetReadLimit(wsReadLimit)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go wsPingLoop(ctx, ws)

		conn := websocket.NetConn(ctx, ws, websocket.MessageBinary)
		s.handle(ctx, conn, metrics.TransportWebSocket, remoteAddr(r.RemoteAddr))
	})
}

func wsPingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
			_ = ws.Ping(pingCtx) // best-effort; a dead peer fails the next read
			cancel()
		}
	}
}

// httpAddr is the viewer address reported by net/http.
type httpAddr string

func (a httpAddr) Network() string { return "tcp" }
func (a httpAddr) String() string  { return string(a) }

func remoteAddr(s string) net.Addr { return httpAddr(s) }
