package metrics

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil || m.Registry == nil {
		t.Fatal("New() returned an incomplete Metrics")
		return
	}

	// Touch every metric so it appears in Gather output.
	m.ConnectionError(ReasonFrameCorrupted)
	m.AuthResult("alice", "ok")
	m.Frame("media", "out")
	m.DeliveryFailed("media")
	m.SetPortMapped("upnp", true)
	m.NATError("natpmp", io.EOF)
	m.ConnectionOpened(TransportTCP).Done(1.0, 100, 200, nil)

	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	got := make(map[string]bool)
	for _, f := range fams {
		got[f.GetName()] = true
	}
	for _, name := range []string{
		"p2pcam_connections_total",
		"p2pcam_connection_errors_total",
		"p2pcam_auth_results_total",
		"p2pcam_bytes_total",
		"p2pcam_frames_total",
		"p2pcam_delivery_failures_total",
		"p2pcam_active_viewers",
		"p2pcam_connection_duration_seconds",
		"p2pcam_port_mapped",
		"p2pcam_nat_errors_total",
	} {
		if !got[name] {
			t.Errorf("expected metric %q not found in registry", name)
		}
	}
}

func TestConnectionTracker(t *testing.T) {
	m := New()
	tracker := m.ConnectionOpened(TransportTLS)

	if g := getGauge(t, m.activeViewers, TransportTLS); g != 1 {
		t.Errorf("active_viewers = %v, want 1", g)
	}

	tracker.Done(5.0, 1024, 2048, nil)

	if g := getGauge(t, m.activeViewers, TransportTLS); g != 0 {
		t.Errorf("active_viewers = %v, want 0", g)
	}
	if c := getCounter(t, m.connectionsTotal, TransportTLS, "success"); c != 1 {
		t.Errorf("connections_total = %v, want 1", c)
	}
	if c := getCounter(t, m.bytesTotal, TransportTLS, "in"); c != 1024 {
		t.Errorf("bytes_total{direction=in} = %v, want 1024", c)
	}
	if c := getCounter(t, m.bytesTotal, TransportTLS, "out"); c != 2048 {
		t.Errorf("bytes_total{direction=out} = %v, want 2048", c)
	}
}

func TestConnectionTrackerError(t *testing.T) {
	m := New()
	m.ConnectionOpened(TransportWebSocket).Done(1.0, 0, 0, io.EOF)

	if c := getCounter(t, m.connectionsTotal, TransportWebSocket, "error"); c != 1 {
		t.Errorf("connections_total(error) = %v, want 1", c)
	}
}

func TestTimeoutReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"plain", fmt.Errorf("connection refused"), ReasonIOError},
		{"net timeout", &net.OpError{Op: "read", Err: &timeoutError{}}, ReasonTimeout},
		{"wrapped net timeout", fmt.Errorf("read response: %w", &net.OpError{Op: "read", Err: &timeoutError{}}), ReasonTimeout},
		{"deadline", context.DeadlineExceeded, ReasonTimeout},
		{"wrapped deadline", fmt.Errorf("map port: %w", context.DeadlineExceeded), ReasonTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TimeoutReason(tt.err, ReasonIOError); got != tt.want {
				t.Errorf("TimeoutReason = %q, want %q", got, tt.want)
			}
		})
	}
}

// timeoutError implements net.Error with Timeout() == true.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

func TestSetPortMapped(t *testing.T) {
	m := New()
	m.SetPortMapped("natpmp", true)
	if v := getGauge(t, m.portMapped, "natpmp"); v != 1 {
		t.Errorf("port_mapped = %v, want 1", v)
	}
	m.SetPortMapped("natpmp", false)
	if v := getGauge(t, m.portMapped, "natpmp"); v != 0 {
		t.Errorf("port_mapped = %v, want 0", v)
	}
}

func TestAuthResultUsesUserGuard(t *testing.T) {
	m := New()
	m.MaxUsers = 1
	m.AuthResult("alice", "ok")
	m.AuthResult("bob", "not_allowed")

	if c := getCounter(t, m.authResults, "alice", "ok"); c != 1 {
		t.Errorf("auth_results(alice) = %v, want 1", c)
	}
	if c := getCounter(t, m.authResults, OverflowUser, "not_allowed"); c != 1 {
		t.Errorf("auth_results(overflow) = %v, want 1", c)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.ConnectionError(ReasonNotAuthorized)
	m.ConnectionOpened(TransportTCP).Done(2.5, 500, 1200, nil)
	m.Frame("control", "in")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get /metrics: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`p2pcam_connections_total{status="success",transport="tcp"} 1`,
		`p2pcam_bytes_total{direction="in",transport="tcp"} 500`,
		`p2pcam_bytes_total{direction="out",transport="tcp"} 1200`,
		`p2pcam_active_viewers{transport="tcp"} 0`,
		`p2pcam_connection_errors_total{reason="not_authorized"} 1`,
		`p2pcam_frames_total{channel="control",direction="in"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics response missing %q", want)
		}
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get /healthz: %v", err)
	}
	resp.Body.Close() //nolint:errcheck // test cleanup
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
}

func TestServe(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()

	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, ln, logger) }()

	var resp *http.Response
	for range 20 {
		resp, err = http.Get("http://" + addr + "/metrics")
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if resp == nil {
		t.Fatal("metrics server did not start")
		return
	}
	resp.Body.Close() //nolint:errcheck // test cleanup

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestSanitizeUser_AtCap(t *testing.T) {
	m := New()
	m.MaxUsers = 2

	m.SanitizeUser("alice")
	m.SanitizeUser("bob")

	if got := m.SanitizeUser("carol"); got != OverflowUser {
		t.Errorf("SanitizeUser = %q, want %q", got, OverflowUser)
	}
	if got := m.SanitizeUser("alice"); got != "alice" {
		t.Errorf("SanitizeUser(known) = %q, want %q", got, "alice")
	}
}

func TestSanitizeUser_Unlimited(t *testing.T) {
	m := New()
	for i := range 1000 {
		user := fmt.Sprintf("user%d", i)
		if got := m.SanitizeUser(user); got != user {
			t.Fatalf("SanitizeUser with MaxUsers=0 should pass through, got %q", got)
		}
	}
}

func TestSanitizeUser_Concurrent(t *testing.T) {
	m := New()
	m.MaxUsers = 10

	var wg sync.WaitGroup
	results := make([]string, 100)
	for i := range 100 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = m.SanitizeUser(string(rune('A' + idx%26)))
		}(i)
	}
	wg.Wait()

	unique := make(map[string]bool)
	for _, r := range results {
		if r != OverflowUser {
			unique[r] = true
		}
	}
	if len(unique) > m.MaxUsers {
		t.Errorf("got %d unique users, cap is %d", len(unique), m.MaxUsers)
	}
}

func getCounter(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func getGauge(t *testing.T, gv *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := gv.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	if got := m.SanitizeUser("alice"); got != "alice" {
		t.Errorf("SanitizeUser on nil = %q, want %q", got, "alice")
	}
	if tracker := m.ConnectionOpened(TransportTCP); tracker != nil {
		t.Error("ConnectionOpened on nil should return nil tracker")
	}
	m.ConnectionError(ReasonIOError)
	m.AuthResult("alice", "ok")
	m.Frame("media", "out")
	m.DeliveryFailed("control")
	m.SetPortMapped("upnp", true)
	m.NATError("upnp", io.EOF)

	var nilTracker *ConnectionTracker
	nilTracker.Done(1.0, 100, 200, nil)
}
