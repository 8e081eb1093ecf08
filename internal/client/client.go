// Package client implements the viewer side of a p2pcam session.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/philsphicas/p2pcam/internal/auth"
	"github.com/philsphicas/p2pcam/internal/cipherstream"
	"github.com/philsphicas/p2pcam/internal/protocol"
)

const (
	defaultDialTimeout = 30 * time.Second
	dialRetryBase      = 1 * time.Second
	dialRetryMax       = 30 * time.Second

	// wsReadLimit bounds one WebSocket message from the camera.
	wsReadLimit = 1 << 20
)

// ErrNotLoggedIn is returned by SendCommand and Run before Login succeeds.
var ErrNotLoggedIn = errors.New("not logged in")

// Config configures Dial.
type Config struct {
	// Target is the camera address, see ParseTarget.
	Target string
	// TLS is used for tls:// and wss:// targets.
	TLS *tls.Config
	// DialTimeout is the total retry budget. Zero means a single attempt.
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Handler receives frames from Run. Nil fields are skipped.
type Handler struct {
	OnCommand func(cmd protocol.Command, payload []byte)
	OnMedia   func(media protocol.MediaPayload)
}

// Conn is an authenticated-or-authenticating session with a camera.
// SendCommand is safe for concurrent use; reads happen in Login and Run.
type Conn struct {
	conn   net.Conn
	raw    *bufio.Reader
	in     io.Reader
	logger *slog.Logger
	cancel context.CancelFunc
	authed atomic.Bool

	mu     sync.Mutex
	out    *cipherstream.Writer
	closed bool
}

// Dial connects to the camera, retrying with exponential backoff (1s, 2s,
// 4s, capped at 30s) until cfg.DialTimeout is exhausted.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	target, err := ParseTarget(cfg.Target)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger.With("camera", target.String())

	if cfg.DialTimeout == 0 {
		return dialOnce(ctx, target, cfg.TLS, logger)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	delay := dialRetryBase
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			logger.Debug("retrying camera dial", "attempt", attempt, "delay", delay)
			select {
			case <-timeoutCtx.Done():
				return nil, lastErr
			case <-time.After(delay):
			}
			delay = min(delay*2, dialRetryMax)
		}
		c, err := dialOnce(timeoutCtx, target, cfg.TLS, logger)
		if err == nil {
			return c, nil
		}
		lastErr = err
		logger.Debug("camera dial attempt failed", "attempt", attempt+1, "error", err)
		if timeoutCtx.Err() != nil {
			break
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, timeoutCtx.Err()
}

func dialOnce(ctx context.Context, target Target, tlsConfig *tls.Config, logger *slog.Logger) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	switch target.Scheme {
	case SchemeTCP:
		var d net.Dialer
		conn, err := d.DialContext(dialCtx, "tcp", target.Address)
		if err != nil {
			return nil, fmt.Errorf("dial camera: %w", err)
		}
		return NewConn(conn, logger), nil
	case SchemeTLS:
		d := tls.Dialer{Config: tlsConfig}
		conn, err := d.DialContext(dialCtx, "tcp", target.Address)
		if err != nil {
			return nil, fmt.Errorf("dial camera: %w", err)
		}
		return NewConn(conn, logger), nil
	default:
		opts := &websocket.DialOptions{}
		if tlsConfig != nil {
			opts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: tlsConfig}}
		}
		ws, _, err := websocket.Dial(dialCtx, target.URL, opts)
		if err != nil {
			return nil, fmt.Errorf("dial camera: %w", err)
		}
		ws.SetReadLimit(wsReadLimit)
		connCtx, connCancel := context.WithCancel(context.Background())
		c := NewConn(websocket.NetConn(connCtx, ws, websocket.MessageBinary), logger)
		c.cancel = connCancel
		return c, nil
	}
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{conn: conn, raw: bufio.NewReader(conn), logger: logger}
	c.in = c.raw
	return c
}

// Login authenticates as user. shadow is the credential digest, see
// auth.DeriveShadow. It blocks while the camera's host decides on an
// unknown user. A denial is returned as *auth.DeniedError.
func (c *Conn) Login(ctx context.Context, user string, shadow []byte) (protocol.AuthStatus, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	status, err := c.authStep(ctx, []byte(user))
	if err != nil {
		return status, err
	}
	if status == protocol.AuthOK {
		if status, err = c.authStep(ctx, shadow); err != nil {
			return status, err
		}
	}
	if err := c.secure(shadow); err != nil {
		return status, err
	}
	c.logger.Info("logged in", "user", user, "status", status)
	return status, nil
}

func (c *Conn) authStep(ctx context.Context, payload []byte) (protocol.AuthStatus, error) {
	if err := protocol.WriteFrame(c.conn, protocol.AuthRequest(payload)); err != nil {
		return 0, err
	}
	f, err := protocol.ReadFrame(c.raw, protocol.FromCamera)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, err
	}
	if f.Channel != protocol.ChannelAuthentication {
		return 0, fmt.Errorf("%w: %s frame during login", auth.ErrProtocolViolation, f.Channel)
	}
	status := f.Status()
	if !status.Accepted() {
		return status, &auth.DeniedError{Cause: status}
	}
	return status, nil
}

func (c *Conn) secure(shadow []byte) error {
	out, in, err := cipherstream.NewSessionPair(shadow, bufio.NewWriter(c.conn), c.raw, byte(protocol.ChannelPadding))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.out = out
	c.mu.Unlock()
	c.in = in
	c.authed.Store(true)
	return nil
}

// SendCommand sends one CONTROL frame.
func (c *Conn) SendCommand(cmd protocol.Command, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		return ErrNotLoggedIn
	}
	if c.closed {
		return protocol.ErrConnectionClosed
	}
	if err := protocol.WriteFrame(c.out, protocol.Control(cmd, payload)); err != nil {
		return err
	}
	return c.out.Flush()
}

// Receive reads the next frame from the camera.
func (c *Conn) Receive() (protocol.Frame, error) {
	if !c.authed.Load() {
		return protocol.Frame{}, ErrNotLoggedIn
	}
	return protocol.ReadFrame(c.in, protocol.FromCamera)
}

// Run dispatches frames to h until the camera closes the connection, an
// END_OF_STREAM command arrives or ctx is cancelled. A closed connection
// is not an error.
func (c *Conn) Run(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		f, err := c.Receive()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, protocol.ErrConnectionClosed) {
				return nil
			}
			return err
		}
		switch f.Channel {
		case protocol.ChannelControl:
			cmd := f.Command()
			if cmd == protocol.CmdEndOfStream {
				return nil
			}
			if h.OnCommand != nil {
				h.OnCommand(cmd, f.Payload)
			}
		case protocol.ChannelMedia:
			var m protocol.MediaPayload
			if err := m.UnmarshalBinary(f.Payload); err != nil {
				c.logger.Warn("dropping malformed media frame", "error", err)
				continue
			}
			if h.OnMedia != nil {
				h.OnMedia(m)
			}
		default:
			c.logger.Debug("ignoring frame", "channel", f.Channel)
		}
	}
}

// Close sends END_OF_STREAM when logged in, finalizes the cipher stream
// and closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if c.out != nil {
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := protocol.WriteFrame(c.out, protocol.Control(protocol.CmdEndOfStream, nil)); err == nil {
			_ = c.out.Flush()
		}
		_ = c.out.Close()
	}
	err := c.conn.Close()
	if c.cancel != nil {
		c.cancel()
	}
	return err
}
