package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "secrets"))
	require.NoError(t, err)
	return map[string]Store{
		"file":   fs,
		"memory": NewMemoryStore(),
	}
}

func TestStoreLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := s.Exists(RecoveryLabel)
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = s.Get(RecoveryLabel)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(RecoveryLabel, []byte("s3cret")))
			require.NoError(t, s.Put(RecoveryLabel, []byte("s3cret-2")))

			got, err := s.Get(RecoveryLabel)
			require.NoError(t, err)
			assert.Equal(t, []byte("s3cret-2"), got)

			ok, err = s.Exists(RecoveryLabel)
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, s.Delete(RecoveryLabel))
			assert.ErrorIs(t, s.Delete(RecoveryLabel), ErrNotFound)
		})
	}
}

func TestStoreRejectsBadKeys(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "../escape", "a/b", ".hidden"} {
				assert.Error(t, s.Put(key, []byte("x")), key)
			}
		})
	}
}

func TestFileStorePermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put("key", []byte("value")))

	info, err := os.Stat(filepath.Join(dir, "key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = NewFileStore("")
	assert.Error(t, err)
}
