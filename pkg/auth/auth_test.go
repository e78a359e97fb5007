package auth

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "flock", "credentials.json"))
}

func TestStorePutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)

	expires := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, store.Put("anthropic", Credential{
		Access:  "tok-123",
		Refresh: "ref-456",
		Expires: &expires,
	}))

	cred, ok, err := store.Get("anthropic")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tok-123", cred.Access)
	assert.Equal(t, "ref-456", cred.Refresh)
	require.NotNil(t, cred.Expires)
	assert.True(t, expires.Equal(*cred.Expires))

	_, ok, err = store.Get("openai")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreFileModes(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put("anthropic", Credential{Access: "x"}))

	info, err := os.Stat(store.path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Dir(store.path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())
}

func TestStoreVersionMismatchResets(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(store.path), 0o700))
	stale, err := json.Marshal(map[string]any{
		"version":     99,
		"credentials": map[string]any{"anthropic": map[string]string{"access": "old"}},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.path, stale, 0o600))

	_, ok, err := store.Get("anthropic")
	require.NoError(t, err)
	assert.False(t, ok, "stale versions read as empty")

	// Writing after a reset stamps the current version.
	require.NoError(t, store.Put("openai", Credential{Access: "new"}))
	data, err := os.ReadFile(store.path)
	require.NoError(t, err)
	var file fileFormat
	require.NoError(t, json.Unmarshal(data, &file))
	assert.Equal(t, storeVersion, file.Version)
	assert.NotContains(t, file.Credentials, "anthropic")
}

func TestStoreDeleteIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put("anthropic", Credential{Access: "x"}))
	require.NoError(t, store.Delete("anthropic"))
	require.NoError(t, store.Delete("anthropic"))

	_, ok, err := store.Get("anthropic")
	require.NoError(t, err)
	assert.False(t, ok)
}

type stubRefresher struct {
	fresh Credential
	err   error
	calls int
}

func (r *stubRefresher) Refresh(_ context.Context, _ string, _ Credential) (Credential, error) {
	r.calls++
	return r.fresh, r.err
}

func TestTokenPrefersValidStoredCredential(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put("anthropic", Credential{Access: "stored"}))
	t.Setenv("ANTHROPIC_API_KEY", "from-env")

	token, err := store.Token(context.Background(), "anthropic", "ANTHROPIC_API_KEY", nil)
	require.NoError(t, err)
	assert.Equal(t, "stored", token)
}

func TestTokenRefreshesExpiredCredential(t *testing.T) {
	store := newTestStore(t)
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.Put("anthropic", Credential{
		Access: "expired", Refresh: "ref", Expires: &past,
	}))

	refresher := &stubRefresher{fresh: Credential{Access: "refreshed"}}
	token, err := store.Token(context.Background(), "anthropic", "", refresher)
	require.NoError(t, err)
	assert.Equal(t, "refreshed", token)
	assert.Equal(t, 1, refresher.calls)

	// The refreshed credential is persisted.
	cred, ok, err := store.Get("anthropic")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "refreshed", cred.Access)
}

func TestTokenFallsBackToEnv(t *testing.T) {
	store := newTestStore(t)
	t.Setenv("OPENAI_API_KEY", "from-env")

	token, err := store.Token(context.Background(), "openai", "OPENAI_API_KEY", nil)
	require.NoError(t, err)
	assert.Equal(t, "from-env", token)

	// Failed refresh also lands on the env fallback.
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.Put("openai", Credential{Access: "expired", Refresh: "ref", Expires: &past}))
	refresher := &stubRefresher{err: errors.New("provider down")}
	token, err = store.Token(context.Background(), "openai", "OPENAI_API_KEY", refresher)
	require.NoError(t, err)
	assert.Equal(t, "from-env", token)
}

func TestTokenNoCredentialAnywhere(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Token(context.Background(), "openai", "FLOCK_TEST_UNSET_VAR", nil)
	assert.ErrorIs(t, err, ErrNoCredential)
}
