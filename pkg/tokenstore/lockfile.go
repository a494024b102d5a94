package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/hiveport/mcp-remote/pkg/logger"
)

// Coordination timing for concurrent instances authorizing against the
// same server: one instance runs the browser flow while the others poll
// the store for the token it produces.
const (
	// MaxLockAge marks an authorization lock stale once it outlives the
	// interactive auth window, even if its owner still runs.
	MaxLockAge = 5 * time.Minute

	// WaitPollInterval is how often waiting instances re-check the store.
	WaitPollInterval = 2 * time.Second
)

// ErrLockHeld is returned when another live instance is already running
// the authorization flow for the server.
var ErrLockHeld = errors.New("authorization already in progress in another process")

// LockRecord identifies the process currently running the interactive
// authorization flow for a server.
type LockRecord struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	CreatedAt time.Time `json:"created_at"`
}

// Stale reports whether the lock's owner is gone or the lock outlived
// the authorization window.
func (r *LockRecord) Stale() bool {
	if time.Since(r.CreatedAt) > MaxLockAge {
		return true
	}
	exists, err := process.PidExists(int32(r.PID))
	if err != nil {
		// Can't tell; err on the side of respecting the lock until it ages out.
		return false
	}
	return !exists
}

// AuthLock is a held authorization lock. Release it once the flow
// finishes, successfully or not.
type AuthLock struct {
	path   string
	record LockRecord
}

// Record returns the persisted lock contents.
func (l *AuthLock) Record() LockRecord { return l.record }

// Release removes the lock file.
func (l *AuthLock) Release() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		logger.Warnf("Failed to remove authorization lock: %v", err)
	}
}

func (s *Store) lockfilePath(serverURL string) string {
	return filepath.Join(s.dir, ServerKey(serverURL)+".lock.json")
}

// AcquireAuthLock claims the right to run the interactive authorization
// flow for serverURL. port is the local callback port, recorded so an
// observer can tell which instance owns the flow. Returns ErrLockHeld
// when a live lock exists; stale locks are reaped and replaced.
func (s *Store) AcquireAuthLock(serverURL string, port int) (*AuthLock, error) {
	path := s.lockfilePath(serverURL)

	if existing, err := s.readLockRecord(path); err == nil {
		if !existing.Stale() {
			return nil, fmt.Errorf("%w: pid %d", ErrLockHeld, existing.PID)
		}
		logger.Debugf("Reaping stale authorization lock from pid %d", existing.PID)
		_ = os.Remove(path)
	}

	record := LockRecord{
		PID:       os.Getpid(),
		Port:      port,
		CreatedAt: time.Now(),
	}
	data, err := json.MarshalIndent(&record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock record: %w", err)
	}

	// O_EXCL so two instances racing for a reaped lock cannot both win.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("failed to create authorization lock: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write authorization lock: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to close authorization lock: %w", err)
	}

	return &AuthLock{path: path, record: record}, nil
}

func (s *Store) readLockRecord(path string) (*LockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var record LockRecord
	if err := json.Unmarshal(data, &record); err != nil {
		// A corrupt lock cannot be trusted to describe a live owner.
		_ = os.Remove(path)
		return nil, err
	}
	return &record, nil
}

// WaitForToken polls the store until another instance finishes its
// authorization flow and a usable token appears, the lock goes stale, or
// ctx expires. On a stale lock it returns ErrNotFound so the caller can
// claim the flow itself.
func (s *Store) WaitForToken(ctx context.Context, serverURL string) (*TokenRecord, error) {
	ticker := time.NewTicker(WaitPollInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(MaxLockAge)
	defer deadline.Stop()

	for {
		if record, err := s.Load(serverURL); err == nil && record.Valid() {
			logger.Debugf("Another instance completed authorization, token %s", Redacted(record.AccessToken))
			return record, nil
		}

		lockPath := s.lockfilePath(serverURL)
		if lock, err := s.readLockRecord(lockPath); err != nil || lock.Stale() {
			if err == nil {
				_ = os.Remove(lockPath)
			}
			return nil, ErrNotFound
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrNotFound
		case <-ticker.C:
		}
	}
}
