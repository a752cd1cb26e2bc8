package main

import (
	"os"
	"path/filepath"
	"pbak/internal/events"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		op   fsnotify.Op
		want events.Type
		ok   bool
	}{
		{fsnotify.Remove, events.DataDeleted, true},
		{fsnotify.Rename, events.DataDeleted, true},
		{fsnotify.Write, "", false},
		{fsnotify.Create, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			got, ok := classify(fsnotify.Event{Name: "x", Op: tt.op})
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWatchDirs(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"storage/default", "backups/snapshots", "cache"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0o755))
	}

	dirs, err := watchDirs(root, filepath.Join(root, "backups"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		root,
		filepath.Join(root, "cache"),
		filepath.Join(root, "storage"),
		filepath.Join(root, "storage", "default"),
	}, dirs)

	assert.True(t, within(filepath.Join(root, "backups", "x"), filepath.Join(root, "backups")))
	assert.False(t, within(filepath.Join(root, "backupsX"), filepath.Join(root, "backups")))
}
