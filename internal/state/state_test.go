package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMissing(t *testing.T) {
	s, err := Read(filepath.Join(t.TempDir(), FileName))
	require.NoError(t, err)
	assert.Equal(t, &State{}, s)
}

func TestReadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("retry_count: [oops"), 0o644))
	_, err := Read(path)
	assert.Error(t, err)
}

func TestStoreUpdatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backups", FileName)
	store, err := Open(path, func() int64 { return 42 })
	require.NoError(t, err)

	require.NoError(t, store.Update(func(s *State) {
		s.LastBackupDate = 1719835200
		s.LastBackupFileName = "Backup_default_20240701-1200.html"
		s.DebugInfo = &DebugInfo{LastBackupAttempt: 1719835100, ErrorCode: "NONE", LastRunStep: "FINALIZE_ARCHIVE"}
		s.RetryCount = 2
	}))

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	got := reopened.Get()
	assert.Equal(t, int64(1719835200), got.LastBackupDate)
	assert.Equal(t, "Backup_default_20240701-1200.html", got.LastBackupFileName)
	assert.Equal(t, "FINALIZE_ARCHIVE", got.DebugInfo.LastRunStep)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, int64(42), got.LastUpdated)
}

func TestGetReturnsCopy(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), FileName), nil)
	require.NoError(t, err)
	require.NoError(t, store.Update(func(s *State) {
		s.BackupFileInfo = &BackupFileInfo{Path: "/a.html"}
	}))

	got := store.Get()
	got.BackupFileInfo.Path = "/changed.html"
	assert.Equal(t, "/a.html", store.Get().BackupFileInfo.Path)
}

func TestUpdateKeepsStateOnWriteFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	store := &Store{path: filepath.Join(blocker, FileName)}
	err := store.Update(func(s *State) { s.RetryCount = 9 })
	assert.Error(t, err)
	assert.Equal(t, 0, store.Get().RetryCount)
}
