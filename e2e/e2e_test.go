//go:build e2e

// Package e2e contains end-to-end tests that build the p2pcam binary and
// run a camera and viewers over loopback. Tests are gated behind the "e2e"
// build tag.
//
// Run: go test -tags=e2e -timeout=5m ./e2e/...
package e2e

import (
	"bytes"
	"crypto/rand"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeMedia(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "media.bin")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path, data
}

// waitForFile polls path until it holds want bytes.
func waitForFile(t *testing.T, path string, want []byte, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var got []byte
	for time.Now().Before(deadline) {
		got, _ = os.ReadFile(path)
		if len(got) >= len(want) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("viewer output: got %d bytes, want %d (equal=%v)", len(got), len(want), bytes.Equal(got, want))
	}
}

func startCamera(t *testing.T, env *testEnv, extraArgs ...string) (*p2pcamProcess, string) {
	t.Helper()
	args := append([]string{
		"serve",
		"--addr", "127.0.0.1:0",
		"--log-level", "debug",
	}, extraArgs...)
	cam := env.start(t, args...)
	addr := waitForLogAddr(t, cam, "camera listening", 15*time.Second)
	return cam, addr
}

// TestStreamToViewer logs in with a stored password and checks the media
// file arrives intact.
func TestStreamToViewer(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun(t, "users", "allow", "alice")
	env.mustRun(t, "users", "passwd", "alice")

	media, want := writeMedia(t, 64*1024)
	cam, addr := startCamera(t, env,
		"--insecure",
		"--media", media,
		"--media-chunk", "4096",
		"--media-interval", "5ms",
	)

	out := filepath.Join(t.TempDir(), "out.bin")
	viewer := env.start(t, "view", addr, "--user", "alice", "--out", out, "--flashlight")
	waitForLog(t, viewer, "logged in", 15*time.Second)
	waitForLog(t, cam, "viewer authorized", 5*time.Second)
	waitForLog(t, viewer, "flashlight", 5*time.Second)

	waitForFile(t, out, want, 30*time.Second)
}

// TestUnknownUserDenied checks that a user the camera has never seen is
// refused when nobody is asked.
func TestUnknownUserDenied(t *testing.T) {
	env := newTestEnv(t)
	_, addr := startCamera(t, env, "--insecure")

	viewer := env.start(t, "view", addr, "--user", "mallory")
	if err := viewer.wait(t, 30*time.Second); err == nil {
		t.Fatal("view succeeded for an unknown user")
	}
	if logs := viewer.logs.String(); !strings.Contains(logs, "login") {
		t.Errorf("expected a login error, got:\n%s", logs)
	}
}

// TestWrongPassword checks the shadow comparison end to end.
func TestWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun(t, "users", "allow", "alice")
	env.mustRun(t, "users", "passwd", "alice")
	_, addr := startCamera(t, env, "--insecure")

	env.password = "wrong"
	viewer := env.start(t, "view", addr, "--user", "alice")
	if err := viewer.wait(t, 30*time.Second); err == nil {
		t.Fatal("view succeeded with a wrong password")
	}
}

// TestPlaintextRequiresConfirmation checks that serve refuses to start
// without TLS unless told to.
func TestPlaintextRequiresConfirmation(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run(t, "serve", "--addr", "127.0.0.1:0")
	if err == nil {
		t.Fatal("serve started without TLS or --insecure")
	}
	if !strings.Contains(out, "--insecure") {
		t.Errorf("error does not mention --insecure:\n%s", out)
	}
}

// TestSelfSignedTLS streams over TLS with a generated certificate.
func TestSelfSignedTLS(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun(t, "users", "trust", "alice")
	env.mustRun(t, "users", "passwd", "alice")

	media, want := writeMedia(t, 8*1024)
	_, addr := startCamera(t, env, "--self-signed", "--media", media, "--media-interval", "5ms")

	out := filepath.Join(t.TempDir(), "out.bin")
	viewer := env.start(t, "view", "tls://"+addr, "--user", "alice", "--out", out, "--insecure-skip-verify")
	waitForLog(t, viewer, "logged in", 15*time.Second)
	waitForFile(t, out, want, 30*time.Second)
}

// TestWebSocketViewer connects through the WebSocket ingress.
func TestWebSocketViewer(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun(t, "users", "allow", "alice")
	env.mustRun(t, "users", "passwd", "alice")

	media, want := writeMedia(t, 8*1024)
	cam, _ := startCamera(t, env, "--insecure", "--ws-addr", "127.0.0.1:0", "--media", media, "--media-interval", "5ms")
	wsAddr := waitForLogAddr(t, cam, "websocket ingress listening", 15*time.Second)

	out := filepath.Join(t.TempDir(), "out.bin")
	viewer := env.start(t, "view", "ws://"+wsAddr+"/", "--user", "alice", "--out", out)
	waitForLog(t, viewer, "logged in", 15*time.Second)
	waitForFile(t, out, want, 30*time.Second)
}

// TestMetricsEndpoint checks connection metrics after one viewer session.
func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun(t, "users", "allow", "alice")
	env.mustRun(t, "users", "passwd", "alice")

	cam, addr := startCamera(t, env, "--insecure", "--metrics-addr", "127.0.0.1:0")
	metricsAddr := waitForLogAddr(t, cam, "metrics server listening", 15*time.Second)

	viewer := env.start(t, "view", addr, "--user", "alice", "--out", filepath.Join(t.TempDir(), "out.bin"))
	waitForLog(t, cam, "viewer authorized", 15*time.Second)
	_ = viewer

	resp, err := http.Get("http://" + metricsAddr + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"p2pcam_connections_total", "p2pcam_auth_results_total", "p2pcam_active_viewers"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
