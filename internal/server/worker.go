package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/philsphicas/p2pcam/internal/auth"
	"github.com/philsphicas/p2pcam/internal/cipherstream"
	"github.com/philsphicas/p2pcam/internal/metrics"
	"github.com/philsphicas/p2pcam/internal/protocol"
)

// stopFlushTimeout bounds how long Stop waits for queued frames to drain.
const stopFlushTimeout = 2 * time.Second

// Camera receives the viewer commands the camera acts on.
type Camera interface {
	// ToggleFlashlight is called for a FLASHLIGHT command. mode is
	// FlashlightUnknown when the viewer sent no payload.
	ToggleFlashlight(w *Worker, mode protocol.Flashlight)
	// ReportCaps is called for a CAPS command. The camera answers with
	// w.NotifyClient.
	ReportCaps(w *Worker)
}

// writeOp is one item on a worker's write queue. A non-nil install
// switches every later non-AUTH frame to the session cipher.
type writeOp struct {
	frame   protocol.Frame
	install *cipherstream.Writer
}

// Worker serves one viewer connection. The read loop owns the handshake
// and the inbound cipher; a single writer goroutine owns the outbound
// stream, so frames from any goroutine are serialized.
type Worker struct {
	id        string
	transport string
	remote    string
	conn      *countingConn
	srv       *Server
	logger    *slog.Logger
	tracker   *metrics.ConnectionTracker
	started   time.Time

	hs     *auth.Handshake
	rawIn  *bufio.Reader
	in     io.Reader
	cipher *cipherstream.Writer // handed to the writer by the read loop

	out  *bufio.Writer
	cout *cipherstream.Writer // writer goroutine only

	queue      chan writeOp
	ready      atomic.Bool
	user       atomic.Pointer[string]
	stopped    atomic.Bool
	done       chan struct{}
	writerDone chan struct{}
	err        atomic.Pointer[error]
}

func newWorker(s *Server, conn net.Conn, transport, remote string) *Worker {
	cc := &countingConn{Conn: conn}
	w := &Worker{
		id:         uuid.NewString(),
		transport:  transport,
		remote:     remote,
		conn:       cc,
		srv:        s,
		started:    time.Now(),
		rawIn:      bufio.NewReader(cc),
		out:        bufio.NewWriter(cc),
		queue:      make(chan writeOp, s.cfg.WriteQueue),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	w.in = w.rawIn
	w.logger = s.cfg.Logger.With("worker", w.id, "remote", remote, "transport", transport)
	w.hs = auth.New(auth.Config{
		Policy:    s.cfg.Access,
		Store:     s.cfg.Credentials,
		Establish: w.establish,
		Remote:    remote,
		Logger:    w.logger,
	})
	w.tracker = s.cfg.Metrics.ConnectionOpened(transport)
	go w.writeLoop()
	return w
}

// ID returns the worker's unique id.
func (w *Worker) ID() string { return w.id }

// RemoteAddr returns the viewer's address.
func (w *Worker) RemoteAddr() string { return w.remote }

// Transport returns how the viewer connected: tcp, tls or websocket.
func (w *Worker) Transport() string { return w.transport }

// User returns the user name sent by the viewer, or "" before it arrives.
func (w *Worker) User() string {
	if u := w.user.Load(); u != nil {
		return *u
	}
	return ""
}

// Authorized reports whether the viewer completed authentication and the
// session cipher is in place.
func (w *Worker) Authorized() bool { return w.ready.Load() }

// Done is closed when the worker stops.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err returns the error that ended the connection, if any.
func (w *Worker) Err() error {
	if p := w.err.Load(); p != nil {
		return *p
	}
	return nil
}

// NotifyClient queues a CONTROL frame for the viewer. It does not block.
// Frames queued while Stop is running return ErrWorkerStopped and may not
// reach the viewer.
func (w *Worker) NotifyClient(cmd protocol.Command, payload []byte) error {
	if !w.ready.Load() {
		return ErrNotAuthorized
	}
	if len(payload) > protocol.MaxPayload {
		return protocol.ErrFrameCorrupted
	}
	return w.enqueue(writeOp{frame: protocol.Control(cmd, payload)})
}

// SendFrame queues a MEDIA frame for the viewer. Viewers that are not yet
// authorized are skipped without error.
func (w *Worker) SendFrame(media protocol.MediaPayload) error {
	if !w.ready.Load() {
		return nil
	}
	data, err := media.MarshalBinary()
	if err != nil {
		return err
	}
	return w.sendMedia(data)
}

func (w *Worker) sendMedia(data []byte) error {
	if !w.ready.Load() {
		return nil
	}
	return w.enqueue(writeOp{frame: protocol.Media(data)})
}

// Stop closes the connection after draining queued frames and finalizing
// the cipher stream. It is safe to call more than once and from any
// goroutine.
func (w *Worker) Stop() {
	if !w.stopped.CompareAndSwap(false, true) {
		return
	}
	close(w.done)
	_ = w.conn.SetWriteDeadline(time.Now().Add(stopFlushTimeout))
	<-w.writerDone
	_ = w.conn.Close()

	w.srv.remove(w)
	w.tracker.Done(time.Since(w.started).Seconds(), w.conn.in.Load(), w.conn.out.Load(), w.Err())
	w.logger.Info("viewer disconnected", "user", w.User(), "duration", time.Since(w.started).Round(time.Millisecond))
}

// enqueue queues op without blocking. Once Stop has begun the writer may
// already have drained the queue, so an op accepted then is reported as
// ErrWorkerStopped rather than silently dropped.
func (w *Worker) enqueue(op writeOp) error {
	select {
	case <-w.writerDone:
		return ErrWorkerStopped
	default:
	}
	select {
	case w.queue <- op:
	default:
		return ErrQueueFull
	}
	return w.stopping()
}

// send queues op, waiting for room. Only the read loop uses it.
func (w *Worker) send(op writeOp) error {
	select {
	case w.queue <- op:
		return w.stopping()
	case <-w.done:
		return ErrWorkerStopped
	case <-w.writerDone:
		return ErrWorkerStopped
	}
}

func (w *Worker) stopping() error {
	select {
	case <-w.done:
		return ErrWorkerStopped
	default:
		return nil
	}
}

func (w *Worker) fail(err error) {
	if err == nil || w.stopped.Load() {
		return
	}
	if w.err.CompareAndSwap(nil, &err) {
		w.srv.cfg.Metrics.ConnectionError(reason(err))
		w.srv.reportError(w, err)
	}
}

// run serves the connection until the viewer leaves or the worker stops.
func (w *Worker) run(ctx context.Context) {
	defer w.Stop()

	w.logger.Info("viewer connected")
	if err := w.readLoop(ctx); err != nil {
		w.logger.Warn("connection ended", "error", err)
		w.fail(err)
	}
}

func (w *Worker) readLoop(ctx context.Context) error {
	for {
		f, err := protocol.ReadFrame(w.in, protocol.FromViewer)
		if err != nil {
			if errors.Is(err, protocol.ErrConnectionClosed) || w.stopped.Load() {
				return nil
			}
			return err
		}
		w.srv.cfg.Metrics.Frame(f.Channel.String(), "in")

		switch f.Channel {
		case protocol.ChannelAuthentication:
			if err := w.authenticate(ctx, f.Payload); err != nil {
				return err
			}
		case protocol.ChannelControl:
			if !w.ready.Load() {
				return ErrNotAuthorized
			}
			if w.dispatch(f) {
				return nil
			}
		case protocol.ChannelMedia:
			if !w.ready.Load() {
				return ErrNotAuthorized
			}
			w.logger.Debug("ignoring media frame from viewer", "bytes", len(f.Payload))
		}
	}
}

// authenticate runs one handshake step, waiting for the host when the
// user is undecided.
func (w *Worker) authenticate(ctx context.Context, payload []byte) error {
	out, err := w.hs.Step(payload)
	if u := w.hs.User(); u != "" && w.User() == "" {
		w.user.Store(&u)
	}
	for {
		if serr := w.deliver(out); serr != nil {
			return serr
		}
		if err != nil || out.Pending == nil {
			return err
		}
		var v auth.Verdict
		select {
		case <-out.Pending.Done():
			v, _ = out.Pending.Wait(ctx)
		case <-w.done:
			return nil
		case <-ctx.Done():
			return nil
		}
		out, err = w.hs.Resolve(v)
	}
}

// deliver sends the handshake reply and, once the cipher is established,
// switches the writer over to it.
func (w *Worker) deliver(out auth.Outcome) error {
	if out.Send {
		w.srv.cfg.Metrics.AuthResult(w.User(), out.Reply.String())
		if err := w.send(writeOp{frame: protocol.AuthReply(out.Reply)}); err != nil {
			return err
		}
	}
	if w.cipher != nil {
		c := w.cipher
		w.cipher = nil
		if err := w.send(writeOp{install: c}); err != nil {
			return err
		}
		w.ready.Store(true)
		w.logger.Info("viewer authorized", "user", w.User())
		if w.srv.cfg.OnAuthorized != nil {
			w.srv.cfg.OnAuthorized(w)
		}
	}
	return nil
}

// establish is the handshake's cipher installer. The inbound side takes
// effect immediately; the outbound side is handed to the writer after the
// reply, which is always written in the clear.
func (w *Worker) establish(key []byte) error {
	cout, cin, err := cipherstream.NewSessionPair(key, w.out, w.rawIn, byte(protocol.ChannelPadding))
	if err != nil {
		return err
	}
	w.in = cin
	w.cipher = cout
	return nil
}

// dispatch handles one CONTROL frame. It reports whether the viewer ended
// the stream.
func (w *Worker) dispatch(f protocol.Frame) bool {
	cmd := f.Command()
	switch cmd {
	case protocol.CmdFlashlight:
		if w.srv.cfg.Camera != nil {
			w.srv.cfg.Camera.ToggleFlashlight(w, protocol.ParseFlashlight(f.Payload))
		}
	case protocol.CmdCaps:
		if w.srv.cfg.Camera != nil {
			w.srv.cfg.Camera.ReportCaps(w)
		}
	case protocol.CmdEndOfStream:
		w.logger.Debug("viewer ended stream")
		return true
	default:
		err := &UnknownCommandError{ID: f.Aux}
		w.logger.Warn("unknown command", "command", f.Aux)
		w.srv.reportError(w, err)
	}
	return false
}

func (w *Worker) writeLoop() {
	defer close(w.writerDone)
	for {
		select {
		case op := <-w.queue:
			if err := w.write(op); err != nil {
				w.fail(err)
				_ = w.conn.Close()
				return
			}
		case <-w.done:
			w.drain()
			return
		}
	}
}

// drain writes what is still queued and finalizes the cipher stream.
func (w *Worker) drain() {
	for {
		select {
		case op := <-w.queue:
			if err := w.write(op); err != nil {
				return
			}
		default:
			if w.cout != nil {
				_ = w.cout.Close()
			}
			_ = w.out.Flush()
			return
		}
	}
}

func (w *Worker) write(op writeOp) error {
	if op.install != nil {
		w.cout = op.install
		return nil
	}
	if op.frame.Channel == protocol.ChannelAuthentication || w.cout == nil {
		if err := protocol.WriteFrame(w.out, op.frame); err != nil {
			return err
		}
		if err := w.out.Flush(); err != nil {
			return err
		}
	} else {
		if err := protocol.WriteFrame(w.cout, op.frame); err != nil {
			return err
		}
		if err := w.cout.Flush(); err != nil {
			return err
		}
	}
	w.srv.cfg.Metrics.Frame(op.frame.Channel.String(), "out")
	return nil
}

// countingConn counts bytes in each direction.
type countingConn struct {
	net.Conn
	in  atomic.Int64
	out atomic.Int64
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.in.Add(int64(n))
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.out.Add(int64(n))
	return n, err
}
