// Package tokenstore persists OAuth credentials on disk, one record per
// remote server, with file locking so concurrent proxy instances never
// corrupt or double-write a record.
package tokenstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/oauth2"

	"github.com/hiveport/mcp-remote/pkg/logger"
)

// DefaultDirName is the credentials directory under the user's home.
const DefaultDirName = ".mcp-auth"

const (
	dirPerm  = 0700
	filePerm = 0600

	lockTimeout       = 5 * time.Second
	lockRetryInterval = 100 * time.Millisecond
)

// Common token store errors
var (
	// ErrNotFound is returned when no record exists for the server
	ErrNotFound = errors.New("no stored credentials for server")

	// ErrLockTimeout is returned when the record lock cannot be acquired in time
	ErrLockTimeout = errors.New("timed out waiting for credential file lock")
)

// TokenRecord is the persisted credential set for one remote server:
// the dynamically registered client plus the current token pair.
type TokenRecord struct {
	ServerURL    string    `json:"server_url"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret,omitempty"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Token converts the record to an oauth2 token.
func (r *TokenRecord) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		Expiry:       r.ExpiresAt,
	}
}

// SetToken copies an oauth2 token into the record.
func (r *TokenRecord) SetToken(tok *oauth2.Token) {
	r.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		r.RefreshToken = tok.RefreshToken
	}
	r.TokenType = tok.TokenType
	r.ExpiresAt = tok.Expiry
}

// Valid reports whether the access token exists and has not expired.
func (r *TokenRecord) Valid() bool {
	if r.AccessToken == "" {
		return false
	}
	return r.ExpiresAt.IsZero() || time.Now().Before(r.ExpiresAt)
}

// Redacted returns a loggable summary of the access token: its length
// and last four characters, never the token itself.
func Redacted(token string) string {
	if len(token) <= 4 {
		return fmt.Sprintf("[%d chars]", len(token))
	}
	return fmt.Sprintf("[%d chars, ...%s]", len(token), token[len(token)-4:])
}

// Store reads and writes credential records under a single directory.
type Store struct {
	dir string
}

// NewStore opens (creating if needed) the credentials directory. An
// empty dir selects ~/.mcp-auth.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dir = filepath.Join(home, DefaultDirName)
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory backing the store.
func (s *Store) Dir() string { return s.dir }

// ServerKey derives the stable per-server file stem from its URL.
func ServerKey(serverURL string) string {
	sum := sha256.Sum256([]byte(strings.TrimRight(serverURL, "/")))
	return hex.EncodeToString(sum[:])
}

func (s *Store) recordPath(serverURL string) string {
	return filepath.Join(s.dir, ServerKey(serverURL)+".json")
}

func (s *Store) flockPath(serverURL string) string {
	return filepath.Join(s.dir, ServerKey(serverURL)+".flock")
}

// Load reads the record for serverURL. A corrupt file is deleted and
// reported as ErrNotFound so the caller falls through to a fresh
// authorization instead of failing on unreadable state.
func (s *Store) Load(serverURL string) (*TokenRecord, error) {
	path := s.recordPath(serverURL)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	var record TokenRecord
	if err := json.Unmarshal(data, &record); err != nil {
		logger.Warnf("Deleting corrupt credential file %s: %v", filepath.Base(path), err)
		_ = os.Remove(path)
		return nil, ErrNotFound
	}
	return &record, nil
}

// Save writes the record atomically under the per-server file lock.
func (s *Store) Save(ctx context.Context, serverURL string, record *TokenRecord) error {
	record.ServerURL = serverURL
	record.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	unlock, err := s.lockRecord(ctx, serverURL)
	if err != nil {
		return err
	}
	defer unlock()

	return writeFileAtomic(s.recordPath(serverURL), data)
}

// Update applies fn to the current record (or a fresh one) and writes
// the result back, all under the file lock, so concurrent refreshers
// cannot interleave read-modify-write cycles.
func (s *Store) Update(ctx context.Context, serverURL string, fn func(*TokenRecord) error) (*TokenRecord, error) {
	unlock, err := s.lockRecord(ctx, serverURL)
	if err != nil {
		return nil, err
	}
	defer unlock()

	record, err := s.Load(serverURL)
	if errors.Is(err, ErrNotFound) {
		record = &TokenRecord{}
	} else if err != nil {
		return nil, err
	}

	if err := fn(record); err != nil {
		return nil, err
	}

	record.ServerURL = serverURL
	record.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if err := writeFileAtomic(s.recordPath(serverURL), data); err != nil {
		return nil, err
	}
	return record, nil
}

// Delete removes the record for serverURL. Missing records are not an error.
func (s *Store) Delete(serverURL string) error {
	err := os.Remove(s.recordPath(serverURL))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}

// lockRecord takes the cross-process lock guarding one server's record.
func (s *Store) lockRecord(ctx context.Context, serverURL string) (func(), error) {
	fileLock := flock.New(s.flockPath(serverURL))

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil || !locked {
		if err == nil {
			err = ErrLockTimeout
		}
		return nil, fmt.Errorf("failed to lock credential file: %w", err)
	}

	return func() {
		if err := fileLock.Unlock(); err != nil {
			logger.Warnf("Failed to release credential file lock: %v", err)
		}
	}, nil
}

// writeFileAtomic writes data to a sibling temp file and renames it into
// place so readers never observe a partial record.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := tmp.Chmod(filePerm); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}
