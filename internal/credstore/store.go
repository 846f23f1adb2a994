// Package credstore persists the last-known session record across host
// restarts: credentials, logged-in flag, and last worker port. It is a
// read/write layer only; session policy lives in the orchestrator.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned when no session record has been persisted yet.
var ErrNotFound = errors.New("stored session not found")

// SessionFileName is the session record file inside the data directory.
const SessionFileName = "session.json"

// Credentials are the three opaque secrets the worker needs to talk to
// the identity provider. They are immutable once captured for a login
// attempt and must never appear in logs in cleartext.
type Credentials struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	TenantID     string `json:"tenantId"`
}

// Env returns the credential environment variables for a worker process,
// in os/exec KEY=VALUE form.
func (c Credentials) Env() []string {
	return []string{
		"GRAPH_CLIENT_ID=" + c.ClientID,
		"GRAPH_CLIENT_SECRET=" + c.ClientSecret,
		"GRAPH_TENANT_ID=" + c.TenantID,
	}
}

// Empty reports whether all three fields are blank.
func (c Credentials) Empty() bool {
	return c.ClientID == "" && c.ClientSecret == "" && c.TenantID == ""
}

// String redacts the secret so accidental formatting cannot leak it.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{ClientID:%s TenantID:%s ClientSecret:<redacted>}",
		c.ClientID, c.TenantID)
}

// StoredSession is the persisted record. LastPort is advisory: the port
// is re-allocated on every login, the stored value only aids diagnostics.
type StoredSession struct {
	Credentials Credentials `json:"credentials"`
	IsLoggedIn  bool        `json:"isLoggedIn"`
	LastPort    int         `json:"lastPort"`
}

// Store is a file-backed session record store with atomic writes.
// It is safe for concurrent use.
type Store struct {
	path string
	mu   sync.RWMutex
}

// New creates a Store rooted at the given data directory.
// The directory is created if it does not exist.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Store{path: filepath.Join(dataDir, SessionFileName)}, nil
}

// Load reads the persisted session record.
func (s *Store) Load() (StoredSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return StoredSession{}, ErrNotFound
		}
		return StoredSession{}, fmt.Errorf("failed to read session file: %w", err)
	}

	var session StoredSession
	if err := json.Unmarshal(data, &session); err != nil {
		return StoredSession{}, fmt.Errorf("session file corrupted: %w", err)
	}
	return session, nil
}

// Save persists the session record atomically.
func (s *Store) Save(session StoredSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return atomicWriteFile(s.path, data, 0600)
}

// Clear removes any persisted record. Clearing an already-empty store is
// a no-op.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

// ResetAtStartup enforces the no-auto-login rule: whatever was persisted,
// the host starts logged out with no retained credentials. The last port
// is kept for diagnostics.
func (s *Store) ResetAtStartup() error {
	session, err := s.Load()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		// A corrupted record is discarded outright.
		return s.Clear()
	}

	session.Credentials = Credentials{}
	session.IsLoggedIn = false
	return s.Save(session)
}

// Value exposes individual fields of the stored record by key for the
// bridge's getStoredValue command. Secret material is not addressable
// through this surface.
func (s *Store) Value(key string) (any, error) {
	session, err := s.Load()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	switch key {
	case "isLoggedIn":
		return session.IsLoggedIn, nil
	case "lastPort":
		return session.LastPort, nil
	case "clientId":
		return session.Credentials.ClientID, nil
	case "tenantId":
		return session.Credentials.TenantID, nil
	default:
		return nil, fmt.Errorf("unknown store key %q", key)
	}
}

// atomicWriteFile writes data to a file atomically by writing to a
// temporary file first, then renaming. The target is never observed in a
// partially written state.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
