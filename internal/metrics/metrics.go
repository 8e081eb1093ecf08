// Package metrics provides Prometheus metrics for p2pcam.
package metrics

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "p2pcam"

// OverflowUser is used as the user label when the number of unique users
// exceeds MaxUsers.
const OverflowUser = "__other__"

const (
	ReasonAllowlistRejected = "allowlist_rejected"
	ReasonLimitReached      = "limit_reached"
	ReasonFrameCorrupted    = "frame_corrupted"
	ReasonProtocolViolation = "protocol_violation"
	ReasonNotAuthorized     = "not_authorized"
	ReasonAuthDenied        = "auth_denied"
	ReasonCipherFailed      = "cipher_failed"
	ReasonIOError           = "io_error"
	ReasonTimeout           = "timeout"
)

// Transports label how a viewer reached the camera.
const (
	TransportTCP       = "tcp"
	TransportTLS       = "tls"
	TransportWebSocket = "websocket"
)

// Metrics holds all Prometheus metrics for p2pcam.
type Metrics struct {
	Registry *prometheus.Registry

	// MaxUsers is the maximum number of unique user label values.
	// Once exceeded, new users are recorded as OverflowUser.
	// Zero means unlimited.
	MaxUsers int

	connectionsTotal   *prometheus.CounterVec
	connectionErrors   *prometheus.CounterVec
	authResults        *prometheus.CounterVec
	bytesTotal         *prometheus.CounterVec
	framesTotal        *prometheus.CounterVec
	deliveryFailures   *prometheus.CounterVec
	activeViewers      *prometheus.GaugeVec
	connectionDuration *prometheus.HistogramVec
	portMapped         *prometheus.GaugeVec
	natErrors          *prometheus.CounterVec

	userCount atomic.Int64
	users     sync.Map // map[string]struct{}
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total viewer connections that ended, by outcome.",
		}, []string{"transport", "status"}),

		connectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Total number of connection errors, by reason.",
		}, []string{"reason"}),

		authResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_results_total",
			Help:      "Authentication replies sent to viewers, by user and status.",
		}, []string{"user", "status"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total bytes exchanged with viewers.",
		}, []string{"transport", "direction"}),

		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames exchanged with viewers, by channel.",
		}, []string{"channel", "direction"}),

		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Broadcast deliveries that failed for a single viewer.",
		}, []string{"kind"}),

		activeViewers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_viewers",
			Help:      "Number of currently connected viewers.",
		}, []string{"transport"}),

		connectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Duration of completed viewer connections in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"transport"}),

		portMapped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "port_mapped",
			Help:      "Whether the listening port is mapped on the gateway (1) or not (0).",
		}, []string{"method"}),

		natErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nat_errors_total",
			Help:      "Total number of NAT traversal failures.",
		}, []string{"method", "reason"}),
	}

	reg.MustRegister(
		m.connectionsTotal,
		m.connectionErrors,
		m.authResults,
		m.bytesTotal,
		m.framesTotal,
		m.deliveryFailures,
		m.activeViewers,
		m.connectionDuration,
		m.portMapped,
		m.natErrors,
	)

	return m
}

// SanitizeUser returns user if it is within the cardinality budget,
// or OverflowUser if the cap has been reached. Users that have been
// seen before are always returned as-is.
func (m *Metrics) SanitizeUser(user string) string {
	if m == nil || m.MaxUsers <= 0 {
		return user
	}

	for {
		if _, ok := m.users.Load(user); ok {
			return user
		}

		cur := m.userCount.Load()
		if cur >= int64(m.MaxUsers) {
			// Another goroutine may have stored this user since the Load.
			if _, ok := m.users.Load(user); ok {
				return user
			}
			return OverflowUser
		}

		if !m.userCount.CompareAndSwap(cur, cur+1) {
			continue
		}
		if _, loaded := m.users.LoadOrStore(user, struct{}{}); loaded {
			m.userCount.Add(-1)
		}
		return user
	}
}

// ConnectionOpened increments the active viewer gauge. Returns a
// ConnectionTracker to record the outcome when the connection ends.
func (m *Metrics) ConnectionOpened(transport string) *ConnectionTracker {
	if m == nil {
		return nil
	}
	m.activeViewers.WithLabelValues(transport).Inc()
	return &ConnectionTracker{m: m, transport: transport}
}

// ConnectionError records a connection-scoped failure.
func (m *Metrics) ConnectionError(reason string) {
	if m == nil {
		return
	}
	m.connectionErrors.WithLabelValues(reason).Inc()
}

// AuthResult records an authentication reply sent to user.
func (m *Metrics) AuthResult(user, status string) {
	if m == nil {
		return
	}
	m.authResults.WithLabelValues(m.SanitizeUser(user), status).Inc()
}

// Frame records one frame on channel. Direction is "in" or "out".
func (m *Metrics) Frame(channel, direction string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(channel, direction).Inc()
}

// DeliveryFailed records a broadcast or media delivery that failed for one
// viewer.
func (m *Metrics) DeliveryFailed(kind string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(kind).Inc()
}

// SetPortMapped sets the port mapping gauge for method.
func (m *Metrics) SetPortMapped(method string, mapped bool) {
	if m == nil {
		return
	}
	if mapped {
		m.portMapped.WithLabelValues(method).Set(1)
	} else {
		m.portMapped.WithLabelValues(method).Set(0)
	}
}

// NATError records a NAT traversal failure.
func (m *Metrics) NATError(method string, err error) {
	if m == nil {
		return
	}
	m.natErrors.WithLabelValues(method, TimeoutReason(err, ReasonIOError)).Inc()
}

// TimeoutReason returns ReasonTimeout if err is a network timeout or a
// deadline, otherwise fallback.
func TimeoutReason(err error, fallback string) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	return fallback
}

// ConnectionTracker records the outcome of a single viewer connection.
type ConnectionTracker struct {
	m         *Metrics
	transport string
}

// Done records the end of a connection. bytesIn were read from the viewer,
// bytesOut written to it.
func (t *ConnectionTracker) Done(durationSec float64, bytesIn, bytesOut int64, err error) {
	if t == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	t.m.activeViewers.WithLabelValues(t.transport).Dec()
	t.m.connectionsTotal.WithLabelValues(t.transport, status).Inc()
	t.m.connectionDuration.WithLabelValues(t.transport).Observe(durationSec)
	t.m.bytesTotal.WithLabelValues(t.transport, "in").Add(float64(bytesIn))
	t.m.bytesTotal.WithLabelValues(t.transport, "out").Add(float64(bytesOut))
}
