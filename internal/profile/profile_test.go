package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaths(t *testing.T) {
	p := NewPaths("/home/user/.pbak/abcd1234.default")
	tests := []struct {
		name string
		got  string
		want string
	}{
		{name: "backups", got: p.BackupsDir(), want: "/home/user/.pbak/abcd1234.default/backups"},
		{name: "snapshots", got: p.SnapshotsDir(), want: "/home/user/.pbak/abcd1234.default/backups/snapshots"},
		{name: "archive", got: p.ArchiveTmp(), want: "/home/user/.pbak/abcd1234.default/backups/archive.html"},
		{name: "recovery zip", got: p.RecoveryZip(), want: "/home/user/.pbak/abcd1234.default/backups/recovery.zip"},
		{name: "recovery dir", got: p.RecoveryDir(), want: "/home/user/.pbak/abcd1234.default/backups/recovery"},
		{name: "lock", got: p.LockFile(), want: "/home/user/.pbak/abcd1234.default/backups/write-backup.lock"},
		{name: "post recovery", got: p.PostRecoveryFile(), want: "/home/user/.pbak/abcd1234.default/post-recovery.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, filepath.FromSlash(tt.want), tt.got)
		})
	}
}

func TestNameFromDir(t *testing.T) {
	tests := []struct {
		dir  string
		want string
	}{
		{dir: "/p/abcd1234.default", want: "default"},
		{dir: "/p/abcd1234.default-release", want: "default-release"},
		{dir: "/p/abcd1234.work.old/", want: "work.old"},
		{dir: "/p/plain", want: "plain"},
		{dir: "/p/trailing.", want: "trailing."},
	}
	for _, tt := range tests {
		t.Run(tt.dir, func(t *testing.T) {
			assert.Equal(t, tt.want, NameFromDir(tt.dir))
		})
	}
}

func TestCreateUnique(t *testing.T) {
	root := filepath.Join(t.TempDir(), "profiles")

	a, err := CreateUnique(root, "default")
	require.NoError(t, err)
	b, err := CreateUnique(root, "default")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.DirExists(t, a)
	assert.Equal(t, root, filepath.Dir(a))
	assert.Equal(t, "default", NameFromDir(a))
	assert.Regexp(t, `^[0-9a-f]{8}\.default$`, filepath.Base(a))

	for _, name := range []string{"", "a/b", ".."} {
		_, err := CreateUnique(root, name)
		assert.Error(t, err, name)
	}
}

func TestRemoveIfEmpty(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	full := filepath.Join(dir, "full")
	require.NoError(t, SetupDirectories(empty, full))
	require.NoError(t, os.WriteFile(filepath.Join(full, "x"), nil, 0o644))

	require.NoError(t, RemoveIfEmpty(empty))
	require.NoError(t, RemoveIfEmpty(full))
	require.NoError(t, RemoveIfEmpty(filepath.Join(dir, "missing")))
	assert.NoDirExists(t, empty)
	assert.DirExists(t, full)
}
