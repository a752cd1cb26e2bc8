// Package packager turns a snapshot folder into a zip file and back.
package packager

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"pbak/internal/backuperr"
	"pbak/internal/logging"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// Compress writes every file under stagingPath into destDir/<base>.zip and
// returns the zip path. An existing zip with that name is truncated.
func Compress(stagingPath, destDir string, logger *slog.Logger) (string, error) {
	log := logging.OrDefault(logger)

	info, err := os.Stat(stagingPath)
	if err != nil {
		return "", backuperr.Wrap(backuperr.FileSystem, err, "cannot find snapshot folder %s", stagingPath)
	}
	if !info.IsDir() {
		return "", backuperr.New(backuperr.FileSystem, "%s is not a folder", stagingPath)
	}

	zipPath := filepath.Join(destDir, filepath.Base(stagingPath)+".zip")
	log.Debug("Compressing snapshot", "source", stagingPath, "zip", zipPath)

	f, err := os.OpenFile(zipPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", backuperr.Wrap(backuperr.FileSystem, err, "failed to create %s", zipPath)
	}

	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	files := 0
	walkErr := filepath.WalkDir(stagingPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(stagingPath, path)
		if err != nil {
			return err
		}
		files++
		return addFile(zw, path, filepath.ToSlash(rel))
	})

	closeErr := zw.Close()
	if err := f.Close(); err != nil && closeErr == nil {
		closeErr = err
	}
	if err := errors.Join(walkErr, closeErr); err != nil {
		_ = os.Remove(zipPath)
		return "", backuperr.Wrap(backuperr.FileSystem, err, "failed to compress %s", stagingPath)
	}

	log.Debug("Snapshot compressed", "zip", zipPath, "files", files)
	return zipPath, nil
}

func addFile(zw *zip.Writer, path, name string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	return nil
}

// Decompress verifies every entry of zipPath and then extracts it into
// destDir. A zip that fails verification is removed and nothing is written.
func Decompress(zipPath, destDir string, logger *slog.Logger) error {
	log := logging.OrDefault(logger)

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		_ = os.Remove(zipPath)
		return backuperr.Wrap(backuperr.CorruptedArchive, err, "failed to open %s", zipPath)
	}
	defer zr.Close()

	for _, entry := range zr.File {
		if _, err := safeJoin(destDir, entry.Name); err != nil {
			_ = os.Remove(zipPath)
			return backuperr.Wrap(backuperr.CorruptedArchive, err, "invalid entry in %s", zipPath)
		}
		if err := verifyEntry(entry); err != nil {
			log.Debug("Zip entry failed verification", "entry", entry.Name, "error", err)
			_ = os.Remove(zipPath)
			return backuperr.Wrap(backuperr.CorruptedArchive, err, "the compressed snapshot is corrupted")
		}
	}

	for _, entry := range zr.File {
		target, _ := safeJoin(destDir, entry.Name)
		if entry.FileInfo().IsDir() || strings.HasSuffix(entry.Name, "/") {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return backuperr.Wrap(backuperr.FileSystem, err, "failed to create %s", target)
			}
			continue
		}
		if err := extractEntry(entry, target); err != nil {
			return backuperr.Wrap(backuperr.FileSystem, err, "failed to extract %s", entry.Name)
		}
	}

	log.Debug("Snapshot decompressed", "zip", zipPath, "dest", destDir, "entries", len(zr.File))
	return nil
}

// verifyEntry reads the entry to the end so the reader checks its CRC-32.
func verifyEntry(entry *zip.File) error {
	rc, err := entry.Open()
	if err != nil {
		return err
	}
	_, err = io.Copy(io.Discard, rc)
	return errors.Join(err, rc.Close())
}

func extractEntry(entry *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// safeJoin maps a slash-separated entry name under root, rejecting names
// that are absolute or climb out of it.
func safeJoin(root, name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", fmt.Errorf("entry name %q is not relative", name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes the destination", name)
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	target := filepath.Join(rootAbs, clean)
	rel, err := filepath.Rel(rootAbs, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes the destination", name)
	}
	return target, nil
}
