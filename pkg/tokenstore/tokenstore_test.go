package tokenstore

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const testServerURL = "https://mcp.example.com/mcp"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func sampleRecord() *TokenRecord {
	return &TokenRecord{
		ClientID:     "client-1",
		AccessToken:  "access-secret-value",
		RefreshToken: "refresh-secret-value",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

func TestStoreSaveAndLoad(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.Save(context.Background(), testServerURL, sampleRecord()))

	loaded, err := store.Load(testServerURL)
	require.NoError(t, err)
	assert.Equal(t, "client-1", loaded.ClientID)
	assert.Equal(t, "access-secret-value", loaded.AccessToken)
	assert.Equal(t, testServerURL, loaded.ServerURL)
	assert.False(t, loaded.UpdatedAt.IsZero())
	assert.True(t, loaded.Valid())
}

func TestStoreLoadMissing(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, err := store.Load(testServerURL)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreFilePermissions(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions only")
	}

	store := newTestStore(t)
	require.NoError(t, store.Save(context.Background(), testServerURL, sampleRecord()))

	info, err := os.Stat(filepath.Join(store.Dir(), ServerKey(testServerURL)+".json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestStoreDeletesCorruptRecord(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	path := filepath.Join(store.Dir(), ServerKey(testServerURL)+".json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0600))

	_, err := store.Load(testServerURL)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoFileExists(t, path, "corrupt file reaped")
}

func TestStoreUpdate(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.Save(context.Background(), testServerURL, sampleRecord()))

	updated, err := store.Update(context.Background(), testServerURL, func(record *TokenRecord) error {
		record.SetToken(&oauth2.Token{
			AccessToken: "rotated-token",
			TokenType:   "Bearer",
			Expiry:      time.Now().Add(30 * time.Minute),
		})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "rotated-token", updated.AccessToken)
	// Refresh token survives a rotation that does not include one.
	assert.Equal(t, "refresh-secret-value", updated.RefreshToken)

	reloaded, err := store.Load(testServerURL)
	require.NoError(t, err)
	assert.Equal(t, "rotated-token", reloaded.AccessToken)
}

func TestStoreDelete(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.Save(context.Background(), testServerURL, sampleRecord()))
	require.NoError(t, store.Delete(testServerURL))
	require.NoError(t, store.Delete(testServerURL), "deleting twice is fine")

	_, err := store.Load(testServerURL)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServerKeyStable(t *testing.T) {
	t.Parallel()

	key := ServerKey(testServerURL)
	assert.Len(t, key, 64, "sha-256 hex")
	assert.Equal(t, key, ServerKey(testServerURL))
	assert.Equal(t, key, ServerKey(testServerURL+"/"), "trailing slash ignored")
	assert.NotEqual(t, key, ServerKey("https://other.example.com"))
}

func TestTokenRecordValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		record TokenRecord
		want   bool
	}{
		{"live token", TokenRecord{AccessToken: "x", ExpiresAt: time.Now().Add(time.Hour)}, true},
		{"no expiry", TokenRecord{AccessToken: "x"}, true},
		{"expired", TokenRecord{AccessToken: "x", ExpiresAt: time.Now().Add(-time.Minute)}, false},
		{"empty", TokenRecord{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.record.Valid())
		})
	}
}

func TestRedacted(t *testing.T) {
	t.Parallel()

	out := Redacted("super-secret-token-abcd")
	assert.NotContains(t, out, "super-secret")
	assert.Contains(t, out, "abcd")
	assert.Contains(t, out, "23 chars")

	assert.Equal(t, "[3 chars]", Redacted("abc"))
}
