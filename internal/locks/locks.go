// Package locks serializes live preview sessions: at most one session may
// hold a project directory at a time. Leases expire so a crashed session
// never wedges its project.
package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultExpiryTimeout is the default lease duration when no config
// override is provided.
const DefaultExpiryTimeout = 2 * time.Hour

// ErrConflict indicates the project directory is held by another live
// session.
var ErrConflict = errors.New("project directory is held by another session")

// Lease tracks one session's claim on a project directory.
type Lease struct {
	SessionID  string    `json:"session_id"`
	Dir        string    `json:"dir"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Store persists lease state.
type Store interface {
	Load(ctx context.Context) ([]Lease, error)
	Save(ctx context.Context, leases []Lease) error
}

// ManagerConfig controls lease manager behavior.
type ManagerConfig struct {
	ExpiryTimeout time.Duration
}

// Manager manages lease acquisition, conflict checks, and release.
type Manager struct {
	store         Store
	now           func() time.Time
	expiryTimeout time.Duration
}

// NewManager constructs a lease manager with the configured expiry timeout.
func NewManager(store Store, cfg ManagerConfig) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.ExpiryTimeout <= 0 {
		cfg.ExpiryTimeout = DefaultExpiryTimeout
	}
	return &Manager{
		store:         store,
		now:           time.Now,
		expiryTimeout: cfg.ExpiryTimeout,
	}, nil
}

// Acquire claims a project directory for a session. Expired leases are
// swept on every acquisition; an unexpired lease held by another session
// returns ErrConflict.
func (m *Manager) Acquire(ctx context.Context, sessionID, dir string) error {
	if m == nil {
		return errors.New("manager is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id must not be empty")
	}
	dir, err := normalizeDir(dir)
	if err != nil {
		return err
	}

	leases, err := m.activeLeases(ctx)
	if err != nil {
		return err
	}

	kept := make([]Lease, 0, len(leases)+1)
	for _, lease := range leases {
		if lease.Dir == dir {
			if lease.SessionID != sessionID {
				return fmt.Errorf("%w: %s (session %s)", ErrConflict, dir, lease.SessionID)
			}
			continue
		}
		kept = append(kept, lease)
	}

	acquiredAt := m.now().UTC()
	kept = append(kept, Lease{
		SessionID:  sessionID,
		Dir:        dir,
		AcquiredAt: acquiredAt,
		ExpiresAt:  acquiredAt.Add(m.expiryTimeout),
	})
	return m.store.Save(ctx, kept)
}

// Release drops every lease held by a session.
func (m *Manager) Release(ctx context.Context, sessionID string) error {
	if m == nil {
		return errors.New("manager is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id must not be empty")
	}

	leases, err := m.activeLeases(ctx)
	if err != nil {
		return err
	}

	kept := make([]Lease, 0, len(leases))
	for _, lease := range leases {
		if lease.SessionID == sessionID {
			continue
		}
		kept = append(kept, lease)
	}
	return m.store.Save(ctx, kept)
}

// Holder returns the session currently holding a project directory.
func (m *Manager) Holder(ctx context.Context, dir string) (string, bool, error) {
	if m == nil {
		return "", false, errors.New("manager is nil")
	}
	dir, err := normalizeDir(dir)
	if err != nil {
		return "", false, err
	}

	leases, err := m.activeLeases(ctx)
	if err != nil {
		return "", false, err
	}
	for _, lease := range leases {
		if lease.Dir == dir {
			return lease.SessionID, true, nil
		}
	}
	return "", false, nil
}

func (m *Manager) activeLeases(ctx context.Context) ([]Lease, error) {
	leases, err := m.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load leases: %w", err)
	}

	now := m.now().UTC()
	active := make([]Lease, 0, len(leases))
	for _, lease := range leases {
		if !lease.ExpiresAt.After(now) {
			continue
		}
		active = append(active, lease)
	}
	return active, nil
}

func normalizeDir(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", errors.New("project directory must not be empty")
	}
	absolute, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve project directory %q: %w", dir, err)
	}
	return filepath.Clean(absolute), nil
}

// FileStore persists leases as one JSON file.
type FileStore struct {
	path string
}

// NewFileStore builds a lease store at path, creating parent directories.
func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("lease store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create lease store directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Load reads all persisted leases. A missing file means no leases.
func (s *FileStore) Load(ctx context.Context) ([]Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lease store: %w", err)
	}
	if len(content) == 0 {
		return nil, nil
	}

	var leases []Lease
	if err := json.Unmarshal(content, &leases); err != nil {
		return nil, fmt.Errorf("decode lease store: %w", err)
	}
	return leases, nil
}

// Save atomically replaces the persisted lease set.
func (s *FileStore) Save(ctx context.Context, leases []Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(leases, "", "  ")
	if err != nil {
		return fmt.Errorf("encode lease store: %w", err)
	}

	temp := s.path + ".tmp"
	if err := os.WriteFile(temp, encoded, 0o600); err != nil {
		return fmt.Errorf("write lease store: %w", err)
	}
	if err := os.Rename(temp, s.path); err != nil {
		return fmt.Errorf("replace lease store: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
