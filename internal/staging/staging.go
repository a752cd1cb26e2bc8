// Package staging owns the scratch folder a backup is assembled in and the
// timestamp-named snapshot folder it becomes.
package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"pbak/internal/backuperr"
	"pbak/internal/logging"
	"regexp"
	"time"
)

const (
	DefaultMaxUnremovable = 5
	namePrefix            = "staging-"
)

var snapshotNamePattern = regexp.MustCompile(`^\d{4}(-\d{2}){2}T(\d{2}-){2}\d{2}Z$`)

type Manager struct {
	// MaxUnremovable is the number of leftover entries that may resist
	// deletion before Prepare gives up.
	MaxUnremovable int
	// MaxProbes bounds the staging-N names tried. Zero means MaxUnremovable+1.
	MaxProbes int
	Now       func() time.Time
	Logger    *slog.Logger
	// Remove deletes one stale entry. Defaults to RemoveAll.
	Remove func(path string) error
}

func NewManager(maxUnremovable, maxProbes int, logger *slog.Logger) *Manager {
	return &Manager{
		MaxUnremovable: maxUnremovable,
		MaxProbes:      maxProbes,
		Now:            time.Now,
		Logger:         logging.OrDefault(logger),
	}
}

func (m *Manager) maxUnremovable() int {
	if m.MaxUnremovable < 0 {
		return 0
	}
	return m.MaxUnremovable
}

func (m *Manager) maxProbes() int {
	if m.MaxProbes > 0 {
		return m.MaxProbes
	}
	return m.maxUnremovable() + 1
}

func (m *Manager) remove(path string) error {
	if m.Remove != nil {
		return m.Remove(path)
	}
	return RemoveAll(path)
}

func (m *Manager) logger() *slog.Logger {
	return logging.OrDefault(m.Logger)
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

// Prepare clears root and creates a fresh staging-N folder inside it.
func (m *Manager) Prepare(root string) (string, error) {
	log := m.logger()
	log.Debug("Clearing snapshot folder", "path", root)

	entries, err := os.ReadDir(root)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", backuperr.Wrap(backuperr.FileSystem, err, "failed to list %s", root)
	}

	var unremovable []string
	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		log.Debug("Removing stale snapshot item", "path", path)
		if err := m.remove(path); err != nil {
			log.Warn("Failed to remove stale snapshot item", "path", path, "error", err)
			unremovable = append(unremovable, path)
			if len(unremovable) > m.maxUnremovable() {
				e := backuperr.Wrap(backuperr.FileSystem, err,
					"failed to remove %d items from %s", len(unremovable), root)
				e.Unremovable = unremovable
				return "", e
			}
		}
	}

	log.Debug("Stale snapshot items left behind", "count", len(unremovable))

	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", backuperr.Wrap(backuperr.FileSystem, err, "failed to create %s", root)
	}

	for i := 0; i < m.maxProbes(); i++ {
		candidate := filepath.Join(root, fmt.Sprintf("%s%d", namePrefix, i))
		if _, err := os.Lstat(candidate); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", backuperr.Wrap(backuperr.FileSystem, err, "failed to stat %s", candidate)
		}
		if err := os.Mkdir(candidate, 0o755); err != nil {
			return "", backuperr.Wrap(backuperr.FileSystem, err, "failed to create staging folder %s", candidate)
		}
		log.Debug("Staging folder prepared", "path", candidate)
		return candidate, nil
	}

	return "", backuperr.New(backuperr.FileSystem,
		"internal error: no free staging folder name after %d attempts in %s", m.maxProbes(), root)
}

// SnapshotName formats t as a folder name: ISO-8601 in UTC with the
// fractional seconds stripped and colons replaced by dashes.
func SnapshotName(t time.Time) string {
	return t.UTC().Format("2006-01-02T15-04-05Z")
}

func IsSnapshotName(name string) bool {
	return snapshotNamePattern.MatchString(name)
}

// Finalize renames the staging folder to a snapshot name and deletes every
// older snapshot folder next to it. Only the rename can fail the call.
func (m *Manager) Finalize(stagingPath string) (string, error) {
	log := m.logger()

	if _, err := os.Stat(stagingPath); err != nil {
		return "", backuperr.Wrap(backuperr.FileSystem, err, "cannot find staging folder %s", stagingPath)
	}

	parent := filepath.Dir(stagingPath)
	renamed := filepath.Join(parent, SnapshotName(m.now()))

	log.Debug("Finalizing staging folder", "from", stagingPath, "to", renamed)
	if renamed != stagingPath {
		if _, err := os.Lstat(renamed); err == nil {
			if err := RemoveAll(renamed); err != nil {
				return "", backuperr.Wrap(backuperr.FileSystem, err, "failed to replace %s", renamed)
			}
		}
		if err := os.Rename(stagingPath, renamed); err != nil {
			return "", backuperr.Wrap(backuperr.FileSystem, err, "failed to finalize staging folder")
		}
	}

	siblings, err := os.ReadDir(parent)
	if err != nil {
		log.Debug("Failed to list snapshot folder", "path", parent, "error", err)
		return renamed, nil
	}
	for _, sib := range siblings {
		path := filepath.Join(parent, sib.Name())
		if path == renamed || !IsSnapshotName(sib.Name()) {
			continue
		}
		if err := m.remove(path); err != nil {
			log.Debug("Failed to remove old snapshot", "path", path, "error", err)
		}
	}

	return renamed, nil
}

// RemoveAll removes path recursively. Entries that fail because they or their
// parent are read-only are made writable and retried once.
func RemoveAll(path string) error {
	err := os.RemoveAll(path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrPermission) {
		return err
	}

	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		mode := info.Mode().Perm() | 0o200
		if d.IsDir() {
			mode |= 0o700
		}
		_ = os.Chmod(p, mode)
		return nil
	})

	return os.RemoveAll(path)
}
