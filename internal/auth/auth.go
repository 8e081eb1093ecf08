// Package auth implements the camera side of the viewer authentication
// handshake.
//
// A viewer first sends its user name, then its shadow (a credential
// digest). The camera consults an AccessPolicy for the user and a
// CredentialStore for the shadow, and answers each step with a single
// status byte. Once the shadow is accepted the connection switches to the
// cipher keyed by it.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/philsphicas/p2pcam/internal/cipherstream"
	"github.com/philsphicas/p2pcam/internal/protocol"
)

// ErrProtocolViolation is returned for an AUTHENTICATION frame the current
// stage does not accept.
var ErrProtocolViolation = errors.New("authentication protocol violation")

// DeniedError reports that the handshake ended in a denial.
type DeniedError struct {
	Cause protocol.AuthStatus
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("authentication denied: %s", e.Cause)
}

// Stage is the handshake position. Stages only move forward.
type Stage int

const (
	StageUser Stage = iota
	StageShadow
	StageAllowed
	StageDenied
)

func (s Stage) String() string {
	switch s {
	case StageUser:
		return "user"
	case StageShadow:
		return "shadow"
	case StageAllowed:
		return "allowed"
	case StageDenied:
		return "denied"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Decision is an AccessPolicy's standing answer for a user.
type Decision int

const (
	// Undecided users are referred to AccessPolicy.Ask.
	Undecided Decision = iota
	// Granted users proceed to the shadow step.
	Granted
	// Trusted users with a stored shadow skip the shadow step.
	Trusted
	// Denied users are refused with AuthDeniedNotAllowed.
	Denied
)

func (d Decision) String() string {
	switch d {
	case Granted:
		return "granted"
	case Trusted:
		return "trusted"
	case Denied:
		return "denied"
	default:
		return "undecided"
	}
}

// Verdict is the host's answer to a pending Request.
type Verdict int

const (
	Allow Verdict = iota
	AllowAlways
	Deny
	DenyAlways
)

func (v Verdict) allows() bool {
	return v == Allow || v == AllowAlways
}

// AccessPolicy decides which users may connect.
type AccessPolicy interface {
	// Access returns the standing decision for user.
	Access(user string) Decision
	// Ask hands an undecided user to the host. It must not block; the host
	// answers later with Request.Resolve.
	Ask(req *Request)
	// Remember persists a decision made by an "always" verdict.
	Remember(user string, d Decision) error
}

// CredentialStore keeps one shadow per user.
type CredentialStore interface {
	Shadow(user string) (shadow []byte, ok bool, err error)
	SetShadow(user string, shadow []byte) error
}

// Request is an access decision waiting for the host.
type Request struct {
	User   string
	Remote string

	once    sync.Once
	done    chan struct{}
	verdict Verdict
}

// NewRequest returns an unresolved request.
func NewRequest(user, remote string) *Request {
	return &Request{User: user, Remote: remote, done: make(chan struct{})}
}

// Resolve records v. Only the first call has an effect; it reports
// whether this call resolved the request.
func (r *Request) Resolve(v Verdict) bool {
	resolved := false
	r.once.Do(func() {
		r.verdict = v
		close(r.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the request is resolved.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the request is resolved or ctx is done.
func (r *Request) Wait(ctx context.Context) (Verdict, error) {
	select {
	case <-r.done:
		return r.verdict, nil
	case <-ctx.Done():
		return Deny, ctx.Err()
	}
}

// Outcome is the result of one handshake step.
type Outcome struct {
	// Reply is the status to send when Send is set.
	Reply protocol.AuthStatus
	Send  bool
	// Pending is set when the user is undecided. No reply is due until
	// the request is resolved and passed to Handshake.Resolve.
	Pending *Request
	Stage   Stage
}

// Config configures a Handshake.
type Config struct {
	Policy AccessPolicy
	Store  CredentialStore
	// Establish installs the connection cipher keyed by key. The key is
	// zeroed after Establish returns.
	Establish func(key []byte) error
	// Remote is the viewer address, used in requests and logs.
	Remote string
	Logger *slog.Logger
}

// Handshake is the per-connection authentication state machine. It is
// driven from the connection's read loop and is not safe for concurrent
// use.
type Handshake struct {
	cfg     Config
	stage   Stage
	user    string
	pending *Request
}

// New returns a Handshake in StageUser.
func New(cfg Config) *Handshake {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handshake{cfg: cfg}
}

// Stage returns the current stage.
func (h *Handshake) Stage() Stage { return h.stage }

// User returns the user name once received.
func (h *Handshake) User() string { return h.user }

// Step feeds one AUTHENTICATION payload into the handshake.
func (h *Handshake) Step(payload []byte) (Outcome, error) {
	if h.pending != nil {
		return h.outcome(), fmt.Errorf("%w: frame while a decision is pending", ErrProtocolViolation)
	}
	switch h.stage {
	case StageUser:
		return h.onUser(payload)
	case StageShadow:
		return h.onShadow(payload)
	case StageAllowed:
		return h.outcome(), fmt.Errorf("%w: already authenticated", ErrProtocolViolation)
	default:
		return h.outcome(), &DeniedError{Cause: protocol.AuthDeniedNotAllowed}
	}
}

// Resolve completes a pending decision with v.
func (h *Handshake) Resolve(v Verdict) (Outcome, error) {
	req := h.pending
	if req == nil {
		return h.outcome(), fmt.Errorf("%w: no pending decision", ErrProtocolViolation)
	}
	h.pending = nil
	logger := h.cfg.Logger.With("user", h.user, "remote", h.cfg.Remote)

	switch v {
	case AllowAlways:
		if err := h.cfg.Policy.Remember(h.user, Granted); err != nil {
			logger.Warn("failed to remember access decision", "error", err)
		}
	case DenyAlways:
		if err := h.cfg.Policy.Remember(h.user, Denied); err != nil {
			logger.Warn("failed to remember access decision", "error", err)
		}
	}
	if !v.allows() {
		logger.Info("access denied by host")
		return h.deny(protocol.AuthDeniedNotAllowed), nil
	}
	logger.Info("access allowed by host")
	h.stage = StageShadow
	return h.reply(protocol.AuthOK), nil
}

func (h *Handshake) onUser(payload []byte) (Outcome, error) {
	if len(payload) == 0 || !utf8.Valid(payload) {
		return h.outcome(), fmt.Errorf("%w: invalid user name", protocol.ErrFrameCorrupted)
	}
	h.user = string(payload)
	logger := h.cfg.Logger.With("user", h.user, "remote", h.cfg.Remote)

	switch h.cfg.Policy.Access(h.user) {
	case Granted:
		h.stage = StageShadow
		return h.reply(protocol.AuthOK), nil
	case Trusted:
		shadow, ok, err := h.cfg.Store.Shadow(h.user)
		if err != nil {
			logger.Warn("credential lookup failed", "error", err)
			return h.deny(protocol.AuthDeniedServerError), nil
		}
		if !ok {
			h.stage = StageShadow
			return h.reply(protocol.AuthOK), nil
		}
		if err := h.establish(append([]byte(nil), shadow...)); err != nil {
			return h.deny(protocol.AuthDeniedServerError), err
		}
		logger.Info("trusted user authenticated")
		return h.reply(protocol.AuthOKSkipSHA), nil
	case Denied:
		logger.Info("user not allowed")
		return h.deny(protocol.AuthDeniedNotAllowed), nil
	default:
		h.pending = NewRequest(h.user, h.cfg.Remote)
		logger.Info("access decision requested")
		h.cfg.Policy.Ask(h.pending)
		return h.outcome(), nil
	}
}

func (h *Handshake) onShadow(payload []byte) (Outcome, error) {
	if len(payload) == 0 {
		return h.outcome(), fmt.Errorf("%w: empty shadow", protocol.ErrFrameCorrupted)
	}
	logger := h.cfg.Logger.With("user", h.user, "remote", h.cfg.Remote)

	stored, ok, err := h.cfg.Store.Shadow(h.user)
	if err != nil {
		logger.Warn("credential lookup failed", "error", err)
		return h.deny(protocol.AuthDeniedServerError), nil
	}
	if !ok {
		// A shadow that cannot key the cipher would lock the user out.
		if err := cipherstream.CheckKey(payload); err != nil {
			logger.Error("rejecting unusable shadow", "error", err)
			return h.deny(protocol.AuthDeniedServerError), err
		}
		if err := h.cfg.Store.SetShadow(h.user, payload); err != nil {
			logger.Warn("failed to store shadow", "error", err)
			return h.deny(protocol.AuthDeniedServerError), nil
		}
		logger.Info("stored shadow for new user")
	} else if subtle.ConstantTimeCompare(stored, payload) != 1 {
		logger.Info("wrong credentials")
		return h.deny(protocol.AuthDeniedWrongCredentials), nil
	}

	key := append([]byte(nil), payload...)
	if err := h.establish(key); err != nil {
		return h.deny(protocol.AuthDeniedServerError), err
	}
	logger.Info("user authenticated")
	return h.reply(protocol.AuthOK), nil
}

func (h *Handshake) establish(key []byte) error {
	defer clear(key)
	if h.cfg.Establish == nil {
		return fmt.Errorf("%w: no cipher installer", cipherstream.ErrCipherInitFailed)
	}
	if err := h.cfg.Establish(key); err != nil {
		h.cfg.Logger.Error("cipher initialization failed", "user", h.user, "error", err)
		if !errors.Is(err, cipherstream.ErrCipherInitFailed) {
			err = fmt.Errorf("%w: %w", cipherstream.ErrCipherInitFailed, err)
		}
		return err
	}
	h.stage = StageAllowed
	return nil
}

func (h *Handshake) deny(cause protocol.AuthStatus) Outcome {
	h.stage = StageDenied
	return h.reply(cause)
}

func (h *Handshake) reply(status protocol.AuthStatus) Outcome {
	return Outcome{Reply: status, Send: true, Stage: h.stage}
}

func (h *Handshake) outcome() Outcome {
	return Outcome{Pending: h.pending, Stage: h.stage}
}
