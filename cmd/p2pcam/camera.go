package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/philsphicas/p2pcam/internal/auth"
	"github.com/philsphicas/p2pcam/internal/protocol"
	"github.com/philsphicas/p2pcam/internal/server"
)

// torch is the camera the CLI serves: a simulated flashlight.
type torch struct {
	device string
	logger *slog.Logger

	mu   sync.Mutex
	mode protocol.Flashlight
}

func newTorch(device string, logger *slog.Logger) *torch {
	if device == "" {
		device = "p2pcam"
	}
	return &torch{device: device, logger: logger, mode: protocol.FlashlightOff}
}

// set applies a viewer request and returns the resulting mode. An unknown
// mode toggles.
func (t *torch) set(req protocol.Flashlight) protocol.Flashlight {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch req {
	case protocol.FlashlightOn, protocol.FlashlightOff:
		t.mode = req
	case protocol.FlashlightUnknown:
		if t.mode == protocol.FlashlightOn {
			t.mode = protocol.FlashlightOff
		} else {
			t.mode = protocol.FlashlightOn
		}
	}
	return t.mode
}

func (t *torch) ToggleFlashlight(w *server.Worker, req protocol.Flashlight) {
	mode := t.set(req)
	t.logger.Info("flashlight", "user", w.User(), "requested", req, "mode", mode)
	if err := w.NotifyClient(protocol.CmdFlashlight, mode.Payload()); err != nil {
		t.logger.Warn("flashlight reply failed", "worker", w.ID(), "error", err)
	}
}

func (t *torch) ReportCaps(w *server.Worker) {
	t.mu.Lock()
	mode := t.mode
	t.mu.Unlock()

	avail, err := protocol.Availability{DeviceID: t.device, Available: true}.MarshalBinary()
	if err != nil {
		t.logger.Error("encode availability", "error", err)
		return
	}
	err = errors.Join(
		w.NotifyClient(protocol.CmdFlashlight, mode.Payload()),
		w.NotifyClient(protocol.CmdAvailability, avail),
	)
	if err != nil {
		t.logger.Warn("caps reply failed", "worker", w.ID(), "error", err)
	}
}

// terminalPrompt asks about undecided users one at a time.
func terminalPrompt(in io.Reader, out io.Writer) func(*auth.Request) {
	var mu sync.Mutex
	sc := bufio.NewScanner(in)
	return func(req *auth.Request) {
		mu.Lock()
		defer mu.Unlock()
		select {
		case <-req.Done():
			return
		default:
		}
		fmt.Fprintf(out, "allow %q from %s? [y]es, [n]o, [a]lways, n[e]ver: ", req.User, req.Remote)
		if !sc.Scan() {
			req.Resolve(auth.Deny)
			return
		}
		req.Resolve(parseAnswer(sc.Text()))
	}
}

func parseAnswer(s string) auth.Verdict {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return auth.Allow
	case "a", "always":
		return auth.AllowAlways
	case "e", "never":
		return auth.DenyAlways
	default:
		return auth.Deny
	}
}

// mediaSource reads a file or stdin in chunks and streams each chunk to
// the authorized viewers.
type mediaSource struct {
	path     string
	chunk    int
	interval time.Duration
	loop     bool
	// ready reports whether anyone is watching. Nothing is read while it
	// returns false. Nil means always.
	ready  func() bool
	logger *slog.Logger
}

// streamer is the part of server.Server the media pump uses.
type streamer interface {
	StreamToClients(media protocol.MediaPayload) error
}

func (m mediaSource) open() (io.ReadCloser, error) {
	if m.path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(m.path)
	if err != nil {
		return nil, fmt.Errorf("open media: %w", err)
	}
	return f, nil
}

func (m mediaSource) pump(ctx context.Context, s streamer) error {
	for {
		r, err := m.open()
		if err != nil {
			return err
		}
		err = m.stream(ctx, r, s)
		r.Close() //nolint:errcheck // read-only
		if err != nil || !m.loop || m.path == "-" || ctx.Err() != nil {
			return err
		}
		m.logger.Debug("media source restarting")
	}
}

func (m mediaSource) stream(ctx context.Context, r io.Reader, s streamer) error {
	chunk := m.chunk
	if chunk <= 0 || chunk > protocol.MaxPayload-8 {
		chunk = protocol.MaxPayload - 8
	}
	buf := make([]byte, chunk)
	ticker := time.NewTicker(max(m.interval, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if m.ready != nil && !m.ready() {
			continue
		}
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if serr := s.StreamToClients(protocol.MediaPayload{Timestamp: time.Now(), Data: buf[:n]}); serr != nil {
				m.logger.Debug("media delivery failed", "error", serr)
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read media: %w", err)
		}
	}
}

func anyAuthorized(workers []*server.Worker) bool {
	for _, w := range workers {
		if w.Authorized() {
			return true
		}
	}
	return false
}
