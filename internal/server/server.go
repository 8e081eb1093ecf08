// Package server implements the camera side of a p2pcam session: it
// accepts viewer connections, authenticates them and streams media and
// control frames to every authorized viewer.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/philsphicas/p2pcam/internal/auth"
	"github.com/philsphicas/p2pcam/internal/metrics"
	"github.com/philsphicas/p2pcam/internal/nat"
	"github.com/philsphicas/p2pcam/internal/protocol"
)

// DefaultAddress is the listen address used when Config.Address is empty.
const DefaultAddress = ":4747"

const (
	defaultWriteQueue  = 64
	natRequestTimeout  = 30 * time.Second
	natRemoveTimeout   = 5 * time.Second
	defaultDescription = "p2pcam"
)

// Config holds the server configuration.
type Config struct {
	// Address is the TCP listen address for ListenAndServe.
	Address string
	// Certificates enables TLS. When nil, or when it has no certificate,
	// the server serves plaintext only if ConfirmInsecure returns true.
	Certificates    CertificateProvider
	ConfirmInsecure func() bool

	Access      auth.AccessPolicy
	Credentials auth.CredentialStore
	Camera      Camera

	AllowList      []string      // CIDRs or IPs; empty allows all
	MaxConnections int           // 0 = unlimited
	TCPKeepAlive   time.Duration // 0 = OS default
	WriteQueue     int           // frames buffered per viewer (default 64)

	// WebSocketOrigins lists the origin patterns WebSocketHandler accepts
	// besides the request's own host.
	WebSocketOrigins []string

	// PortMapper, when set, maps the listening port on the gateway after
	// Serve starts. The mapping is removed on Stop.
	PortMapper         nat.Mapper
	MappingDescription string

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics

	OnConnect      func(w *Worker)
	OnAuthorized   func(w *Worker)
	OnDisconnect   func(w *Worker)
	OnError        func(w *Worker, err error) // w is nil for server-level errors
	OnReachability func(m nat.Mapping)
}

// Server accepts viewers and fans frames out to them.
type Server struct {
	cfg       Config
	tlsConfig *tls.Config
	sem       *connSemaphore

	mu      sync.Mutex
	ln      net.Listener
	workers map[*Worker]struct{}
	mapping *nat.Mapping
	closed  bool

	stopOnce  sync.Once
	natCancel context.CancelFunc
	natDone   chan struct{}
}

// New validates cfg and returns a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.WriteQueue <= 0 {
		cfg.WriteQueue = defaultWriteQueue
	}
	if cfg.MappingDescription == "" {
		cfg.MappingDescription = defaultDescription
	}
	if cfg.Access == nil || cfg.Credentials == nil {
		return nil, errors.New("server: access policy and credential store are required")
	}

	tc, err := tlsConfig(cfg.Certificates)
	if err != nil {
		return nil, fmt.Errorf("server: tls: %w", err)
	}
	if tc == nil {
		cfg.Logger.Warn("no certificate configured, viewers will connect in plaintext")
		if cfg.ConfirmInsecure == nil || !cfg.ConfirmInsecure() {
			return nil, ErrInsecureRefused
		}
	}

	return &Server{
		cfg:       cfg,
		tlsConfig: tc,
		sem:       newConnSemaphore(cfg.MaxConnections),
		workers:   make(map[*Worker]struct{}),
	}, nil
}

// TLS reports whether the server wraps connections in TLS.
func (s *Server) TLS() bool { return s.tlsConfig != nil }

// ListenAndServe listens on cfg.Address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts viewers on ln until ctx is cancelled or Stop is called.
// It returns nil on a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	transport := metrics.TransportTCP
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
		transport = metrics.TransportTLS
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close() //nolint:errcheck // best-effort cleanup
		return ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()

	s.cfg.Logger.Info("camera listening", "addr", ln.Addr(), "transport", transport)
	s.startReachability(ctx, ln.Addr())

	served := make(chan struct{})
	defer close(served)
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-served:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.cfg.Logger.Warn("accept failed", "error", err)
				continue
			}
			s.Stop()
			return fmt.Errorf("accept: %w", err)
		}
		go s.handle(ctx, conn, transport, conn.RemoteAddr())
	}
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Mapping returns the gateway port mapping, if one was made.
func (s *Server) Mapping() (nat.Mapping, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mapping == nil {
		return nat.Mapping{}, false
	}
	return *s.mapping, true
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) handle(ctx context.Context, conn net.Conn, transport string, remote net.Addr) {
	logger := s.cfg.Logger.With("remote", remote, "transport", transport)

	if !isAllowed(remote, s.cfg.AllowList) {
		logger.Warn("viewer rejected by allowlist")
		s.cfg.Metrics.ConnectionError(metrics.ReasonAllowlistRejected)
		conn.Close() //nolint:errcheck // best-effort cleanup
		return
	}
	if !s.sem.tryAcquire() {
		logger.Warn("viewer rejected, connection limit reached", "max", s.cfg.MaxConnections)
		s.cfg.Metrics.ConnectionError(metrics.ReasonLimitReached)
		conn.Close() //nolint:errcheck // best-effort cleanup
		return
	}
	defer s.sem.release()

	raw := conn
	if tc, ok := conn.(*tls.Conn); ok {
		raw = tc.NetConn()
	}
	setTCPKeepAlive(raw, s.cfg.TCPKeepAlive)

	w := newWorker(s, conn, transport, remote.String())
	if !s.register(w) {
		w.Stop()
		return
	}
	w.run(ctx)
}

func (s *Server) register(w *Worker) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.workers[w] = struct{}{}
	s.mu.Unlock()

	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(w)
	}
	return true
}

func (s *Server) remove(w *Worker) {
	s.mu.Lock()
	_, ok := s.workers[w]
	delete(s.workers, w)
	s.mu.Unlock()

	if ok && s.cfg.OnDisconnect != nil {
		s.cfg.OnDisconnect(w)
	}
}

// Workers returns a snapshot of the connected viewers.
func (s *Server) Workers() []*Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Worker, 0, len(s.workers))
	for w := range s.workers {
		out = append(out, w)
	}
	return out
}

func (s *Server) reportError(w *Worker, err error) {
	if s.cfg.OnError != nil {
		s.cfg.OnError(w, err)
	}
}

// Broadcast sends a CONTROL frame to every authorized viewer. A failure
// for one viewer does not affect the others; the returned error joins a
// *DeliveryError per failed viewer.
func (s *Server) Broadcast(cmd protocol.Command, payload []byte) error {
	if len(payload) > protocol.MaxPayload {
		return protocol.ErrFrameCorrupted
	}
	var errs []error
	for _, w := range s.Workers() {
		if !w.Authorized() {
			continue
		}
		if err := w.NotifyClient(cmd, payload); err != nil {
			errs = append(errs, s.deliveryFailed(w, "control", err))
		}
	}
	return errors.Join(errs...)
}

// StreamToClients sends one media sample to every authorized viewer.
func (s *Server) StreamToClients(media protocol.MediaPayload) error {
	data, err := media.MarshalBinary()
	if err != nil {
		return err
	}
	var errs []error
	for _, w := range s.Workers() {
		if err := w.sendMedia(data); err != nil {
			errs = append(errs, s.deliveryFailed(w, "media", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) deliveryFailed(w *Worker, kind string, err error) error {
	derr := &DeliveryError{Worker: w.ID(), Err: err}
	w.logger.Debug("delivery failed", "kind", kind, "error", err)
	s.cfg.Metrics.DeliveryFailed(kind)
	s.reportError(w, derr)
	return derr
}

// Stop closes the listener, stops every worker and removes the gateway
// port mapping. It is safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		ln := s.ln
		cancel, natDone := s.natCancel, s.natDone
		s.mu.Unlock()

		if ln != nil {
			ln.Close() //nolint:errcheck // best-effort cleanup
		}
		var wg sync.WaitGroup
		for _, w := range s.Workers() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.Stop()
			}()
		}
		wg.Wait()
		if cancel != nil {
			cancel()
			<-natDone
		}
		s.removeMapping()
		s.cfg.Logger.Info("camera stopped")
	})
}

func (s *Server) startReachability(ctx context.Context, addr net.Addr) {
	if s.cfg.PortMapper == nil {
		return
	}
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return
	}
	natCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	s.natCancel, s.natDone = cancel, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.mapPort(natCtx, tcpAddr.Port)
	}()
}

func (s *Server) mapPort(ctx context.Context, port int) {
	method := s.cfg.PortMapper.Method()
	logger := s.cfg.Logger.With("method", method, "port", port)

	ctx, cancel := context.WithTimeout(ctx, natRequestTimeout)
	defer cancel()
	m, err := s.cfg.PortMapper.MapPort(ctx, nat.TCP, port, s.cfg.MappingDescription)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.Warn("port mapping failed, camera reachable on the local network only", "error", err)
		s.cfg.Metrics.NATError(method, err)
		s.cfg.Metrics.SetPortMapped(method, false)
		s.reportError(nil, fmt.Errorf("map port %d: %w", port, err))
		return
	}

	s.mu.Lock()
	s.mapping = &m
	s.mu.Unlock()
	s.cfg.Metrics.SetPortMapped(method, true)
	logger.Info("camera reachable", "external", m.External(), "already_mapped", m.AlreadyMapped)
	if s.cfg.OnReachability != nil {
		s.cfg.OnReachability(m)
	}
}

func (s *Server) removeMapping() {
	s.mu.Lock()
	m := s.mapping
	s.mapping = nil
	s.mu.Unlock()
	if m == nil || m.AlreadyMapped {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), natRemoveTimeout)
	defer cancel()
	if err := s.cfg.PortMapper.RemoveMapping(ctx, m.Protocol, m.InternalPort); err != nil {
		s.cfg.Logger.Warn("failed to remove port mapping", "method", m.Method, "error", err)
		s.cfg.Metrics.NATError(m.Method, err)
		return
	}
	s.cfg.Metrics.SetPortMapped(m.Method, false)
}
