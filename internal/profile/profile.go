// Package profile names and lays out profile directories.
package profile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	BackupsDirName       = "backups"
	SnapshotsDirName     = "snapshots"
	RecoveryZipName      = "recovery.zip"
	RecoveryDirName      = "recovery"
	ArchiveTmpName       = "archive.html"
	PostRecoveryFileName = "post-recovery.json"
	LockFileName         = "write-backup.lock"
)

// Paths are the service's working locations inside one profile.
type Paths struct {
	Profile string
}

func NewPaths(profileDir string) Paths {
	return Paths{Profile: profileDir}
}

func (p Paths) BackupsDir() string {
	return filepath.Join(p.Profile, BackupsDirName)
}

func (p Paths) SnapshotsDir() string {
	return filepath.Join(p.BackupsDir(), SnapshotsDirName)
}

// ArchiveTmp is where an archive is built before it is moved to the
// destination folder.
func (p Paths) ArchiveTmp() string {
	return filepath.Join(p.BackupsDir(), ArchiveTmpName)
}

func (p Paths) RecoveryZip() string {
	return filepath.Join(p.BackupsDir(), RecoveryZipName)
}

func (p Paths) RecoveryDir() string {
	return filepath.Join(p.BackupsDir(), RecoveryDirName)
}

func (p Paths) LockFile() string {
	return filepath.Join(p.BackupsDir(), LockFileName)
}

func (p Paths) PostRecoveryFile() string {
	return filepath.Join(p.Profile, PostRecoveryFileName)
}

// NameFromDir derives a profile name from a directory named
// "<salt>.<name>". Directories without a salt are their own name.
func NameFromDir(dir string) string {
	base := filepath.Base(filepath.Clean(dir))
	if _, name, ok := strings.Cut(base, "."); ok && name != "" {
		return name
	}
	return base
}

// CreateUnique makes a new, empty profile directory "<salt>.<name>" under
// root and returns its path.
func CreateUnique(root, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid profile name %q", name)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", root, err)
	}

	for range 10 {
		salt := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		dir := filepath.Join(root, salt+"."+name)
		err := os.Mkdir(dir, 0o700)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("failed to create profile directory: %w", err)
		}
	}
	return "", fmt.Errorf("could not find a free profile directory name under %s", root)
}

func SetupDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// RemoveIfEmpty removes dir when it has no entries. A missing dir is fine.
func RemoveIfEmpty(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(entries) > 0 {
		return nil
	}
	return os.Remove(dir)
}
