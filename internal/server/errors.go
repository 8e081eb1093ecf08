package server

import (
	"errors"
	"fmt"

	"github.com/philsphicas/p2pcam/internal/auth"
	"github.com/philsphicas/p2pcam/internal/cipherstream"
	"github.com/philsphicas/p2pcam/internal/metrics"
	"github.com/philsphicas/p2pcam/internal/protocol"
)

var (
	// ErrNotAuthorized is returned for CONTROL or MEDIA traffic on a
	// connection that has not completed authentication, and by
	// NotifyClient before a viewer is authorized.
	ErrNotAuthorized = errors.New("viewer not authorized")
	// ErrQueueFull is returned when a viewer's write queue has no room.
	ErrQueueFull = errors.New("write queue full")
	// ErrWorkerStopped is returned when writing to a stopped worker.
	ErrWorkerStopped = errors.New("worker stopped")
	// ErrInsecureRefused is returned by New when no certificate is
	// configured and plaintext was not confirmed.
	ErrInsecureRefused = errors.New("plaintext serving not confirmed")
	// ErrServerClosed is returned by Serve after Stop.
	ErrServerClosed = errors.New("server closed")
)

// UnknownCommandError reports a CONTROL command the camera does not
// handle. The connection stays open.
type UnknownCommandError struct {
	ID byte
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %d", e.ID)
}

// DeliveryError reports a broadcast or media delivery that failed for one
// viewer.
type DeliveryError struct {
	Worker string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.Worker, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// reason maps a connection error to a metrics label.
func reason(err error) string {
	var denied *auth.DeniedError
	switch {
	case errors.Is(err, protocol.ErrFrameCorrupted):
		return metrics.ReasonFrameCorrupted
	case errors.Is(err, auth.ErrProtocolViolation):
		return metrics.ReasonProtocolViolation
	case errors.Is(err, ErrNotAuthorized):
		return metrics.ReasonNotAuthorized
	case errors.Is(err, cipherstream.ErrCipherInitFailed):
		return metrics.ReasonCipherFailed
	case errors.As(err, &denied):
		return metrics.ReasonAuthDenied
	default:
		return metrics.TimeoutReason(err, metrics.ReasonIOError)
	}
}
