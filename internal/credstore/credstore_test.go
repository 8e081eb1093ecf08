package credstore

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philsphicas/p2pcam/internal/auth"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "credentials.yaml")
	s, err := Open(Config{Path: path, Logger: discardLogger()})
	require.NoError(t, err)
	assert.Equal(t, auth.Undecided, s.Access("alice"))

	require.NoError(t, s.Remember("alice", auth.Granted))
	require.NoError(t, s.SetShadow("alice", []byte{1, 2, 3}))
	require.NoError(t, s.Remember("mallory", auth.Denied))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reopened, err := Open(Config{Path: path, Logger: discardLogger()})
	require.NoError(t, err)
	assert.Equal(t, auth.Granted, reopened.Access("alice"))
	assert.Equal(t, auth.Denied, reopened.Access("mallory"))
	shadow, ok, err := reopened.Shadow("alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, shadow)

	_, ok, err = reopened.Shadow("mallory")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []User{
		{Name: "alice", Access: AccessGranted, HasShadow: true},
		{Name: "mallory", Access: AccessDenied},
	}, reopened.Users())
}

func TestShadowIsCopy(t *testing.T) {
	s, err := Open(Config{Logger: discardLogger()})
	require.NoError(t, err)
	require.NoError(t, s.SetShadow("alice", []byte{9, 9}))

	got, _, _ := s.Shadow("alice")
	clear(got)
	again, _, _ := s.Shadow("alice")
	assert.Equal(t, []byte{9, 9}, again)
}

func TestRemove(t *testing.T) {
	s, err := Open(Config{Logger: discardLogger()})
	require.NoError(t, err)
	require.NoError(t, s.SetAccess("alice", auth.Trusted))
	require.NoError(t, s.Remove("alice"))
	assert.Equal(t, auth.Undecided, s.Access("alice"))
	require.Error(t, s.Remove("alice"))
}

func TestOpenRejectsUnknownAccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	require.NoError(t, os.WriteFile(path, []byte("users:\n  alice:\n    access: maybe\n"), 0o600))
	_, err := Open(Config{Path: path})
	require.ErrorContains(t, err, "maybe")
}

func TestAskWithoutPromptDenies(t *testing.T) {
	s, err := Open(Config{Logger: discardLogger()})
	require.NoError(t, err)
	req := auth.NewRequest("bob", "192.0.2.1:5000")
	s.Ask(req)
	select {
	case <-req.Done():
	default:
		t.Fatal("request left pending")
	}
	v, err := req.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, auth.Deny, v)
}

func TestAskUsesPrompt(t *testing.T) {
	s, err := Open(Config{
		Logger: discardLogger(),
		Prompt: func(req *auth.Request) { req.Resolve(auth.AllowAlways) },
	})
	require.NoError(t, err)
	req := auth.NewRequest("bob", "192.0.2.1:5000")
	s.Ask(req)
	select {
	case <-req.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("prompt did not resolve")
	}
}
