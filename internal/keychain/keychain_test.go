package keychain

import (
	"path/filepath"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeychain(t *testing.T) Keychain {
	t.Helper()
	return New(keyring.NewArrayKeyring(nil))
}

func TestKeychain(t *testing.T) {
	kc := newTestKeychain(t)

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, kc.Set("npm-token", "s3cr$t"))
		got, err := kc.Get("npm-token")
		require.NoError(t, err)
		assert.Equal(t, "s3cr$t", got)
	})

	t.Run("set replaces", func(t *testing.T) {
		require.NoError(t, kc.Set("npm-token", "rotated"))
		got, err := kc.Get("npm-token")
		require.NoError(t, err)
		assert.Equal(t, "rotated", got)
	})

	t.Run("list is sorted", func(t *testing.T) {
		require.NoError(t, kc.Set("aws-key", "x"))
		names, err := kc.List()
		require.NoError(t, err)
		assert.Equal(t, []string{"aws-key", "npm-token"}, names)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := kc.Get("nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("empty name", func(t *testing.T) {
		assert.ErrorIs(t, kc.Set("", "x"), ErrInvalidName)
		_, err := kc.Get("")
		assert.ErrorIs(t, err, ErrInvalidName)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, kc.Delete("aws-key"))
		_, err := kc.Get("aws-key")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, kc.Delete("aws-key"), "deleting a missing secret is not an error")
	})
}

func TestOpen_FileBackend(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Backend:  "file",
		FileDir:  filepath.Join(dir, "keyring"),
		Password: keyring.FixedStringPrompt("test-passphrase"),
	}

	kc, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, kc.Set("deploy-key", "value"))

	reopened, err := Open(cfg)
	require.NoError(t, err)
	got, err := reopened.Get("deploy-key")
	require.NoError(t, err)
	assert.Equal(t, "value", got)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(Config{Backend: "vault"})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestResolve(t *testing.T) {
	kc := newTestKeychain(t)
	require.NoError(t, kc.Set("npm-token", "abc"))

	t.Run("no refs", func(t *testing.T) {
		got, err := Resolve(nil, nil)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("resolves", func(t *testing.T) {
		got, err := Resolve(kc, map[string]string{"NPM_TOKEN": "npm-token"})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"NPM_TOKEN": "abc"}, got)
	})

	t.Run("missing secret", func(t *testing.T) {
		_, err := Resolve(kc, map[string]string{"TOKEN": "missing"})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorContains(t, err, "TOKEN")
	})

	t.Run("no keyring", func(t *testing.T) {
		_, err := Resolve(nil, map[string]string{"TOKEN": "npm-token"})
		assert.Error(t, err)
	})
}
