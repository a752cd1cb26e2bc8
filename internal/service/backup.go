package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"pbak/internal/archive"
	"pbak/internal/backuperr"
	"pbak/internal/crypto"
	"pbak/internal/events"
	"pbak/internal/history"
	"pbak/internal/manifest"
	"pbak/internal/packager"
	"pbak/internal/profile"
	"pbak/internal/remote"
	"pbak/internal/resource"
	"pbak/internal/staging"
	"pbak/internal/state"
	"strings"

	"github.com/goccy/go-json"
)

type BackupOptions struct {
	// Reason is recorded in the run history.
	Reason string
}

type BackupResult struct {
	Manifest    *manifest.Manifest
	ArchivePath string
	Encrypted   bool
}

// CreateBackup writes a new archive of the profile into the destination
// folder. It returns nil, nil when archives are disabled or another backup
// is already running.
func (s *Service) CreateBackup(ctx context.Context, opts BackupOptions) (*BackupResult, error) {
	if err := s.checkInit(); err != nil {
		return nil, err
	}
	if !s.cfg.ArchiveEnabled() {
		s.logger.Debug("Archive creation is disabled by configuration")
		return nil, nil
	}
	if !s.begin(&s.backupInProgress) {
		s.logger.Warn("Backup attempt already in progress")
		return nil, nil
	}
	defer s.end(&s.backupInProgress)

	reason := opts.Reason
	if reason == "" {
		reason = "unknown"
	}

	release, err := s.writeLock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire %s lock: %w", WriteLockName, err)
	}
	defer func() {
		if err := release(); err != nil {
			s.logger.Warn("Failed to release lock", "lock", WriteLockName, "error", err)
		}
	}()

	start := s.clock.Now()
	s.updateState(func(v *state.State) {
		v.ErrorCode = backuperr.None.String()
		v.DebugInfo = nil
	})
	s.logger.Info("Creating backup", "profile", s.cfg.ProfileDir, "reason", reason)

	step := StepEntrypoint
	result, err := s.runBackup(ctx, &step)

	run := &history.Run{
		Kind:      history.KindBackup,
		Reason:    reason,
		StartTime: start,
		LastStep:  string(step),
	}
	if err != nil {
		kind := backuperr.KindOf(err)
		s.logger.Error("Backup failed", "step", step, "error", err)
		s.updateState(func(v *state.State) {
			v.ErrorCode = kind.String()
			v.DebugInfo = &state.DebugInfo{
				LastBackupAttempt: s.clock.Now().Unix(),
				ErrorCode:         kind.String(),
				LastRunStep:       string(step),
			}
		})
		run.EndTime = s.clock.Now()
		run.Status = history.StatusFailed
		run.ErrorCode = kind.String()
		s.record(run)
		s.publish(events.StateChanged, kind.String())
		return nil, &StepError{Step: step, Err: err}
	}

	s.updateState(func(v *state.State) {
		v.LastBackupDate = s.clock.Now().Unix()
		v.LastBackupFileName = filepath.Base(result.ArchivePath)
		v.RetryCount = 0
		v.DisabledOnIdleRetry = false
	})

	if s.remote != nil {
		if err := remote.Mirror(ctx, s.remote, result.ArchivePath); err != nil {
			s.logger.Warn("Failed to mirror archive", "step", StepMirrorArchive, "path", result.ArchivePath, "error", err)
		} else {
			run.LastStep = string(StepMirrorArchive)
		}
	}

	run.EndTime = s.clock.Now()
	run.Status = history.StatusSuccess
	run.ArchivePath = result.ArchivePath
	run.SizeBytes = fileSize(result.ArchivePath)
	run.Encrypted = result.Encrypted
	s.record(run)

	s.logger.Info("Backup created", "path", result.ArchivePath, "encrypted", result.Encrypted)
	s.publish(events.StateChanged, "")
	return result, nil
}

func (s *Service) runBackup(ctx context.Context, step *Step) (*BackupResult, error) {
	*step = StepResolveDestination
	dest := s.cfg.Destination
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, backuperr.Wrap(backuperr.FileSystem, err, "failed to create destination %s", dest)
	}

	*step = StepCreateManifest
	m := manifest.Build(s.manifestEnv())

	*step = StepCreateBackupsFolder
	snapshots := s.paths.SnapshotsDir()
	if err := os.MkdirAll(snapshots, 0o755); err != nil {
		return nil, backuperr.Wrap(backuperr.FileSystem, err, "failed to create %s", snapshots)
	}

	*step = StepCreateStagingFolder
	stagingPath, err := s.staging.Prepare(snapshots)
	if err != nil {
		return nil, err
	}
	// Holds the staging folder until it is renamed, then the snapshot.
	working := stagingPath
	defer func() {
		if rerr := staging.RemoveAll(working); rerr != nil {
			s.logger.Warn("Failed to remove snapshot folder", "path", working, "error", rerr)
		}
	}()

	*step = StepLoadEncState
	encState, err := s.encryption.Load(ctx)
	if err != nil {
		return nil, err
	}
	encrypted := encState != nil

	*step = StepRunBackup
	s.backupResources(ctx, m, stagingPath, encrypted)

	*step = StepVerifyManifest
	res, err := manifest.Validate(m, manifest.BackupManifest, manifest.SchemaVersion)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		s.logger.Error("Backup manifest does not conform to schema", "errors", res.Errors)
	}

	*step = StepWriteManifest
	if err := manifest.Write(filepath.Join(stagingPath, manifest.FileName), m); err != nil {
		return nil, backuperr.Wrap(backuperr.FileSystem, err, "failed to write backup manifest")
	}

	*step = StepFinalizeStaging
	snapshotPath, err := s.staging.Finalize(stagingPath)
	if err != nil {
		return nil, err
	}
	working = snapshotPath

	*step = StepCompressStaging
	var zipPath string
	err = s.pool.Run(ctx, "compress", func() error {
		var cerr error
		zipPath, cerr = packager.Compress(snapshotPath, snapshots, s.logger)
		return cerr
	})
	if zipPath != "" {
		defer func() {
			if rerr := os.Remove(zipPath); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
				s.logger.Warn("Failed to remove compressed snapshot", "path", zipPath, "error", rerr)
			}
		}()
	}
	if err != nil {
		return nil, err
	}

	*step = StepCreateArchive
	var enc *crypto.ArchiveEncryptor
	if encrypted {
		if enc, err = crypto.NewArchiveEncryptor(encState); err != nil {
			return nil, err
		}
	}
	tmpPath := s.paths.ArchiveTmp()
	err = s.pool.Run(ctx, "create-archive", func() error {
		return archive.Build(ctx, archive.BuildOptions{
			OutputPath:     tmpPath,
			CompressedPath: zipPath,
			Encryptor:      enc,
			Meta:           m.Meta,
			ChunkSize:      s.cfg.ChunkSize(),
			DownloadLink:   s.downloadLink(),
			Logger:         s.logger,
		})
	})
	if err != nil {
		return nil, err
	}

	*step = StepFinalizeArchive
	archivePath, err := s.finalizeArchive(tmpPath, dest, m.Meta)
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	return &BackupResult{Manifest: m, ArchivePath: archivePath, Encrypted: encrypted}, nil
}

// backupResources fills m.Resources. A failing resource is logged and left
// out of the manifest.
func (s *Service) backupResources(ctx context.Context, m *manifest.Manifest, stagingPath string, encrypted bool) {
	for _, res := range s.registry.Sorted() {
		key := res.Key()
		log := s.logger.With("resource", key)

		if !manifest.ValidResourceKey(key) {
			log.Error("Resource key cannot be recorded in a manifest, skipping resource")
			continue
		}
		if res.RequiresEncryption() && !encrypted {
			log.Debug("Encryption is not enabled, skipping resource")
			continue
		}

		resourceDir := filepath.Join(stagingPath, key)
		if err := os.Mkdir(resourceDir, 0o755); err != nil {
			log.Error("Failed to create resource folder", "error", err)
			continue
		}

		var entry json.RawMessage
		err := protect(key, func() error {
			var berr error
			entry, berr = res.Backup(ctx, resourceDir, s.cfg.ProfileDir, encrypted)
			return berr
		})
		if err != nil {
			log.Error("Failed to back up resource", "error", err)
			continue
		}
		if resource.IsUndefined(entry) {
			log.Error("Resource returned no manifest entry")
			continue
		}
		if !json.Valid(entry) {
			log.Error("Resource returned a manifest entry that is not valid JSON")
			continue
		}
		m.Resources[key] = entry
		log.Debug("Resource backed up")
	}
}

func (s *Service) downloadLink() string {
	links := map[string]string{}
	if s.cfg.App.DownloadURL != "" {
		links[s.cfg.App.Channel] = s.cfg.App.DownloadURL
	}
	return archive.ResolveDownloadLink(s.cfg.App.Channel, links)
}

// finalizeArchive moves the built archive into dest under its final name
// and removes older archives of the same profile.
func (s *Service) finalizeArchive(tmpPath, dest string, meta manifest.Meta) (string, error) {
	created := meta.CreatedAt()
	if created.IsZero() {
		created = s.clock.Now()
	}
	name := archive.FileName(s.cfg.FilePrefix(), meta.ProfileName, created)
	prefix := archive.NamePrefix(s.cfg.FilePrefix(), meta.ProfileName)

	existing, err := os.ReadDir(dest)
	if err != nil {
		return "", backuperr.Wrap(backuperr.FileSystem, err, "failed to read %s", dest)
	}

	destPath := filepath.Join(dest, name)
	if err := moveFile(tmpPath, destPath); err != nil {
		return "", backuperr.Wrap(backuperr.FileSystem, err, "failed to move archive to %s", destPath)
	}

	for _, e := range existing {
		child := e.Name()
		if e.IsDir() || !strings.HasPrefix(child, prefix) || !strings.HasSuffix(child, ".html") {
			continue
		}
		if child == name {
			s.logger.Warn("Collided with a pre-existing archive name, so not clearing it", "name", name)
			continue
		}
		if err := os.Remove(filepath.Join(dest, child)); err != nil {
			s.logger.Warn("Failed to remove older archive", "name", child, "error", err)
		}
	}
	return destPath, nil
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

// DeleteLastBackup removes the most recent archive when scheduled backups
// are on.
func (s *Service) DeleteLastBackup(ctx context.Context) error {
	if err := s.checkInit(); err != nil {
		return err
	}
	if !s.scheduledEnabled() {
		s.logger.Debug("Scheduled backups are disabled, not deleting the last backup")
		return nil
	}

	release, err := s.writeLock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire %s lock: %w", WriteLockName, err)
	}
	defer func() {
		if err := release(); err != nil {
			s.logger.Warn("Failed to release lock", "lock", WriteLockName, "error", err)
		}
	}()

	last := s.state.Get().LastBackupFileName
	if last == "" {
		s.logger.Debug("No last backup to delete")
		return nil
	}

	start := s.clock.Now()
	path := filepath.Join(s.cfg.Destination, last)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return backuperr.Wrap(backuperr.FileSystem, err, "failed to delete %s", path)
	}
	s.logger.Info("Deleted last backup", "path", path)

	s.updateState(func(v *state.State) {
		v.LastBackupDate = 0
		v.LastBackupFileName = ""
	})
	if err := profile.RemoveIfEmpty(s.cfg.Destination); err != nil {
		s.logger.Warn("Failed to remove empty destination folder", "path", s.cfg.Destination, "error", err)
	}

	s.record(&history.Run{
		Kind:        history.KindDelete,
		StartTime:   start,
		EndTime:     s.clock.Now(),
		Status:      history.StatusSuccess,
		ArchivePath: path,
	})
	s.publish(events.StateChanged, "")
	return nil
}

// CleanupBackupFiles turns encryption off and removes the last archive.
// Failures are logged only.
func (s *Service) CleanupBackupFiles(ctx context.Context) {
	encState, err := s.encryption.Load(ctx)
	if err != nil {
		s.logger.Error("Failed to load encryption state", "error", err)
	} else if encState != nil {
		if err := s.DisableEncryption(ctx); err != nil {
			s.logger.Error("Failed to disable encryption", "error", err)
		}
	}
	if err := s.DeleteLastBackup(ctx); err != nil {
		s.logger.Error("Failed to delete last backup", "error", err)
	}
}
