// Package credstore keeps per-user access decisions and shadows in a YAML
// file.
package credstore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/philsphicas/p2pcam/internal/auth"
)

// Access values stored in the file.
const (
	AccessGranted = "granted"
	AccessTrusted = "trusted"
	AccessDenied  = "denied"
)

type entry struct {
	Access string `yaml:"access,omitempty"`
	Shadow string `yaml:"shadow,omitempty"`
}

type document struct {
	Users map[string]entry `yaml:"users"`
}

// Config configures a Store.
type Config struct {
	// Path is the YAML file. Empty keeps everything in memory.
	Path string
	// Prompt is handed undecided users. It runs on its own goroutine and
	// must eventually resolve the request. When nil, undecided users are
	// denied.
	Prompt func(req *auth.Request)
	Logger *slog.Logger
}

// Store implements auth.AccessPolicy and auth.CredentialStore.
type Store struct {
	cfg Config

	mu    sync.Mutex
	users map[string]entry
}

// User is one stored user, as listed by Users.
type User struct {
	Name      string
	Access    string
	HasShadow bool
}

// Open loads cfg.Path. A missing file is an empty store.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Store{cfg: cfg, users: map[string]entry{}}
	if cfg.Path == "" {
		return s, nil
	}
	data, err := os.ReadFile(cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", cfg.Path, err)
	}
	for name, e := range doc.Users {
		if _, err := parseAccess(e.Access); err != nil {
			return nil, fmt.Errorf("user %q: %w", name, err)
		}
		s.users[name] = e
	}
	return s, nil
}

func parseAccess(s string) (auth.Decision, error) {
	switch s {
	case "":
		return auth.Undecided, nil
	case AccessGranted:
		return auth.Granted, nil
	case AccessTrusted:
		return auth.Trusted, nil
	case AccessDenied:
		return auth.Denied, nil
	default:
		return auth.Undecided, fmt.Errorf("unknown access %q", s)
	}
}

func formatAccess(d auth.Decision) string {
	switch d {
	case auth.Granted:
		return AccessGranted
	case auth.Trusted:
		return AccessTrusted
	case auth.Denied:
		return AccessDenied
	default:
		return ""
	}
}

// Access implements auth.AccessPolicy.
func (s *Store) Access(user string) auth.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, _ := parseAccess(s.users[user].Access)
	return d
}

// Ask implements auth.AccessPolicy.
func (s *Store) Ask(req *auth.Request) {
	if s.cfg.Prompt == nil {
		s.cfg.Logger.Info("denying unknown user, no prompt configured", "user", req.User, "remote", req.Remote)
		req.Resolve(auth.Deny)
		return
	}
	go s.cfg.Prompt(req)
}

// Remember implements auth.AccessPolicy.
func (s *Store) Remember(user string, d auth.Decision) error {
	return s.SetAccess(user, d)
}

// SetAccess records the standing decision for user. auth.Undecided clears
// it.
func (s *Store) SetAccess(user string, d auth.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.users[user]
	e.Access = formatAccess(d)
	s.users[user] = e
	return s.saveLocked()
}

// Shadow implements auth.CredentialStore. The returned slice is a copy.
func (s *Store) Shadow(user string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.users[user]
	if !ok || e.Shadow == "" {
		return nil, false, nil
	}
	shadow, err := base64.StdEncoding.DecodeString(e.Shadow)
	if err != nil {
		return nil, false, fmt.Errorf("decode shadow for %q: %w", user, err)
	}
	return shadow, true, nil
}

// SetShadow implements auth.CredentialStore.
func (s *Store) SetShadow(user string, shadow []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.users[user]
	e.Shadow = base64.StdEncoding.EncodeToString(shadow)
	s.users[user] = e
	return s.saveLocked()
}

// Remove forgets user entirely.
func (s *Store) Remove(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user]; !ok {
		return fmt.Errorf("unknown user %q", user)
	}
	delete(s.users, user)
	return s.saveLocked()
}

// Users lists stored users by name.
func (s *Store) Users() []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]User, 0, len(s.users))
	for name, e := range s.users {
		out = append(out, User{Name: name, Access: e.Access, HasShadow: e.Shadow != ""})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// saveLocked writes the file through a temporary file and a rename.
func (s *Store) saveLocked() error {
	if s.cfg.Path == "" {
		return nil
	}
	data, err := yaml.Marshal(document{Users: s.users})
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	dir := filepath.Dir(s.cfg.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // best-effort cleanup
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck // write error wins
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.cfg.Path); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}
