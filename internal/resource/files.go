package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"pbak/internal/logging"
	"strings"

	"github.com/goccy/go-json"
)

// Files copies a fixed set of profile-relative files and folders.
type Files struct {
	key                string
	priority           int
	requiresEncryption bool
	paths              []string
	logger             *slog.Logger
}

type FilesEntry struct {
	Paths []string `json:"paths"`
	Files int      `json:"files"`
	Bytes int64    `json:"bytes"`
}

func NewFiles(key string, priority int, requiresEncryption bool, paths []string, logger *slog.Logger) (*Files, error) {
	for _, p := range paths {
		if err := checkRelative(p); err != nil {
			return nil, fmt.Errorf("resource %s: %w", key, err)
		}
	}
	return &Files{
		key:                key,
		priority:           priority,
		requiresEncryption: requiresEncryption,
		paths:              paths,
		logger:             logging.OrDefault(logger),
	}, nil
}

func checkRelative(p string) error {
	if p == "" || filepath.IsAbs(p) {
		return fmt.Errorf("path %q must be relative to the profile", p)
	}
	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes the profile", p)
	}
	return nil
}

func (f *Files) Key() string              { return f.key }
func (f *Files) Priority() int            { return f.priority }
func (f *Files) RequiresEncryption() bool { return f.requiresEncryption }

func (f *Files) Backup(ctx context.Context, destDir, profileDir string, _ bool) (json.RawMessage, error) {
	entry := FilesEntry{Paths: []string{}}
	for _, rel := range f.paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src := filepath.Join(profileDir, rel)
		if _, err := os.Lstat(src); errors.Is(err, fs.ErrNotExist) {
			f.logger.Debug("Skipping missing resource path", "resource", f.key, "path", rel)
			continue
		}
		n, size, err := copyTree(src, filepath.Join(destDir, rel))
		if err != nil {
			return nil, fmt.Errorf("failed to copy %s: %w", rel, err)
		}
		entry.Paths = append(entry.Paths, filepath.ToSlash(rel))
		entry.Files += n
		entry.Bytes += size
	}

	if len(entry.Paths) == 0 {
		return Null, nil
	}
	return json.Marshal(entry)
}

func (f *Files) Recover(ctx context.Context, _ json.RawMessage, resourceDir, profileDir string) (json.RawMessage, error) {
	entries, err := os.ReadDir(resourceDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Undefined, nil
		}
		return nil, err
	}

	restored := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, _, err := copyTree(filepath.Join(resourceDir, e.Name()), filepath.Join(profileDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to restore %s: %w", e.Name(), err)
		}
		restored += n
	}
	return json.Marshal(map[string]int{"restored": restored})
}

func (f *Files) PostRecovery(_ context.Context, entry json.RawMessage) error {
	f.logger.Info("Recovered resource is ready", "resource", f.key, "entry", string(entry))
	return nil
}

func (f *Files) Measure(ctx context.Context, profileDir string) (Measurement, error) {
	var m Measurement
	for _, rel := range f.paths {
		err := filepath.WalkDir(filepath.Join(profileDir, rel), func(_ string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			m.Files++
			m.Bytes += info.Size()
			return nil
		})
		if err != nil {
			return m, err
		}
	}
	return m, nil
}

// copyTree copies regular files and folders from src to dst. Symlinks and
// special files are skipped.
func copyTree(src, dst string) (int, int64, error) {
	var (
		files int
		bytes int64
	)
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			n, err := copyFile(path, target)
			if err != nil {
				return err
			}
			files++
			bytes += n
		}
		return nil
	})
	return files, bytes, err
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm()|0o600)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, err
	}
	return n, out.Close()
}
