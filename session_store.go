package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"dropwatch/internal/logger"
)

const sessionFormatVersion = 1

// SessionState is the authenticated cookie set captured from the browser.
type SessionState struct {
	Cookies    []Cookie
	CapturedAt time.Time
}

func (s *SessionState) String() string {
	if s == nil {
		return "session(none)"
	}
	return fmt.Sprintf("session(cookies=%d captured=%s)", len(s.Cookies), s.CapturedAt.Format(time.RFC3339))
}

func (s *SessionState) GoString() string { return s.String() }

// Age reports how long ago the state was captured.
func (s *SessionState) Age(now time.Time) time.Duration {
	return now.Sub(s.CapturedAt)
}

type sessionDocument struct {
	Version    int       `json:"version"`
	CapturedAt time.Time `json:"captured_at"`
	Cookies    []Cookie  `json:"cookies"`
}

// SessionStore persists SessionState as a single JSON document.
type SessionStore struct {
	fs   afero.Fs
	path string
	log  logger.Logger
}

func NewSessionStore(fs afero.Fs, path string, log logger.Logger) *SessionStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &SessionStore{fs: fs, path: path, log: log}
}

func (s *SessionStore) Path() string { return s.path }

// Load returns the stored session. A missing, unreadable or malformed file is
// a cache miss: ok is false and the reason is logged, never returned.
func (s *SessionStore) Load() (*SessionState, bool) {
	state, err := s.load()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("ignoring stored session", "error", &SessionLoadError{Path: s.path, Err: err})
		}
		return nil, false
	}
	return state, true
}

func (s *SessionStore) load() (*SessionState, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return nil, err
	}

	var doc sessionDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}

	return &SessionState{Cookies: doc.Cookies, CapturedAt: doc.CapturedAt}, nil
}

func (d *sessionDocument) validate() error {
	if d.Version != sessionFormatVersion {
		return fmt.Errorf("unsupported session version %d", d.Version)
	}
	if d.CapturedAt.IsZero() {
		return errors.New("missing capture time")
	}
	if len(d.Cookies) == 0 {
		return errors.New("no cookies")
	}
	for i, c := range d.Cookies {
		if c.Name == "" || c.Domain == "" {
			return fmt.Errorf("cookie %d: missing name or domain", i)
		}
	}
	return nil
}

// Save writes state to a temp file beside the target and renames it over,
// so the previous valid state survives a crash mid-write.
func (s *SessionStore) Save(state *SessionState) error {
	if state == nil || len(state.Cookies) == 0 {
		return errors.New("refusing to save empty session")
	}

	doc := sessionDocument{
		Version:    sessionFormatVersion,
		CapturedAt: state.CapturedAt.UTC(),
		Cookies:    make([]Cookie, len(state.Cookies)),
	}
	for i, c := range state.Cookies {
		if !c.Expires.IsZero() {
			c.Expires = c.Expires.UTC()
		}
		doc.Cookies[i] = c
	}
	if err := doc.validate(); err != nil {
		return fmt.Errorf("refusing to save session: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = s.fs.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write session: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := s.fs.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := s.fs.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace session: %w", err)
	}

	s.log.Debug("session saved", "cookies", len(doc.Cookies))
	return nil
}

// Invalidate deletes the stored state. A missing file is not an error.
func (s *SessionStore) Invalidate() error {
	err := s.fs.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
