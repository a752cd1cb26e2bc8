package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"pbak/internal/archive"
	"pbak/internal/backuperr"
	"pbak/internal/crypto"
	"pbak/internal/encryption"
	"pbak/internal/events"
	"pbak/internal/history"
	"pbak/internal/list"
	"pbak/internal/manifest"
	"pbak/internal/packager"
	"pbak/internal/profile"
	"pbak/internal/resource"
	"pbak/internal/secrets"
	"pbak/internal/staging"
	"pbak/internal/state"
	"sort"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// InternalKey names the post-recovery entry the service writes for itself.
const InternalKey = "backupServiceInternal"

type RestoreOptions struct {
	// ProfileRoot is where the new profile is created. Defaults to the
	// configured profile root.
	ProfileRoot string
	// Launch starts the recovered profile through the Launcher.
	Launch bool
}

type RestoreResult struct {
	ProfileDir string
	Manifest   *manifest.Manifest
}

type BackupMetadata struct {
	Date           string `json:"date"`
	AppName        string `json:"appName"`
	AppVersion     string `json:"appVersion"`
	BuildID        string `json:"buildID"`
	OSName         string `json:"osName"`
	OSVersion      string `json:"osVersion"`
	LegacyClientID string `json:"legacyClientID,omitempty"`
	DeviceName     string `json:"deviceName,omitempty"`
}

type internalEntry struct {
	IsProfileRestore bool           `json:"isProfileRestore"`
	RestoreID        string         `json:"restoreID,omitempty"`
	BackupMetadata   BackupMetadata `json:"backupMetadata"`
}

// RecoverFromArchive restores an archive into a new profile. recoveryCode
// is required for encrypted archives. It returns nil, nil while another
// recovery is running.
func (s *Service) RecoverFromArchive(ctx context.Context, archivePath, recoveryCode string, opts RestoreOptions) (*RestoreResult, error) {
	if err := s.checkInit(); err != nil {
		return nil, err
	}
	if !s.cfg.RestoreEnabled() {
		return nil, fmt.Errorf("restoring from backups is disabled by configuration")
	}
	if !s.begin(&s.recoveryInProgress) {
		s.logger.Warn("Recovery attempt already in progress")
		return nil, nil
	}
	defer s.end(&s.recoveryInProgress)

	s.updateState(func(v *state.State) { v.RecoveryError = "" })
	s.publish(events.StateChanged, "")

	start := s.clock.Now()
	step := StepExtractSnapshot
	var encrypted bool
	res, err := s.recoverArchive(ctx, archivePath, recoveryCode, opts, &step, &encrypted)

	run := &history.Run{
		Kind:        history.KindRestore,
		StartTime:   start,
		EndTime:     s.clock.Now(),
		LastStep:    string(step),
		ArchivePath: archivePath,
		SizeBytes:   fileSize(archivePath),
		Encrypted:   encrypted,
	}
	if err != nil {
		kind := backuperr.KindOf(err)
		s.logger.Error("Recovery failed", "archive", archivePath, "step", step, "error", err)
		run.Status = history.StatusFailed
		run.ErrorCode = kind.String()
		s.record(run)
		s.updateState(func(v *state.State) { v.RecoveryError = kind.String() })
		s.publish(events.RecoveryError, kind.String())
		s.publish(events.StateChanged, "")
		return nil, &StepError{Step: step, Err: err}
	}

	run.Status = history.StatusSuccess
	s.record(run)
	s.logger.Info("Recovered profile", "archive", archivePath, "profile", res.ProfileDir)
	s.publish(events.StateChanged, "")
	return res, nil
}

func (s *Service) recoverArchive(ctx context.Context, archivePath, recoveryCode string, opts RestoreOptions, step *Step, encrypted *bool) (*RestoreResult, error) {
	zipPath := s.paths.RecoveryZip()
	recoveryDir := s.paths.RecoveryDir()
	if err := profile.SetupDirectories(s.paths.BackupsDir()); err != nil {
		return nil, backuperr.Wrap(backuperr.FileSystem, err, "failed to create backups folder")
	}

	var dec *crypto.ArchiveDecryptor
	err := s.pool.Run(ctx, "extract", func() error {
		var xerr error
		dec, xerr = archive.ExtractFile(ctx, archivePath, zipPath, recoveryCode, s.logger)
		return xerr
	})
	if err != nil {
		return nil, err
	}
	*encrypted = dec != nil

	var encState *crypto.State
	if dec != nil {
		if err := s.secrets.Put(secrets.RecoveryLabel, dec.OSSecret()); err != nil {
			_ = os.Remove(zipPath)
			return nil, fmt.Errorf("failed to store recovery secret: %w", err)
		}
		defer func() {
			if err := s.secrets.Delete(secrets.RecoveryLabel); err != nil && !errors.Is(err, secrets.ErrNotFound) {
				s.logger.Warn("Failed to delete recovery secret", "error", err)
			}
		}()

		if encState, err = s.encryption.ReprovisionForRecovery(recoveryCode); err != nil {
			_ = os.Remove(zipPath)
			return nil, err
		}
	}

	*step = StepDecompress
	err = s.pool.Run(ctx, "decompress", func() error {
		if err := staging.RemoveAll(recoveryDir); err != nil {
			return backuperr.Wrap(backuperr.FileSystem, err, "failed to clear %s", recoveryDir)
		}
		return packager.Decompress(zipPath, recoveryDir, s.logger)
	})
	if rerr := os.Remove(zipPath); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
		s.logger.Warn("Could not remove recovery file", "path", zipPath, "error", rerr)
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := staging.RemoveAll(recoveryDir); rerr != nil {
			s.logger.Warn("Could not remove recovery folder", "path", recoveryDir, "error", rerr)
		}
	}()

	return s.recoverFromSnapshotFolder(ctx, recoveryDir, encState, opts, step)
}

// RecoverFromSnapshotFolder creates a new profile from a decompressed
// snapshot. encState, when set, becomes the new profile's encryption state.
func (s *Service) RecoverFromSnapshotFolder(ctx context.Context, dir string, encState *crypto.State, opts RestoreOptions) (*RestoreResult, error) {
	if err := s.checkInit(); err != nil {
		return nil, err
	}
	step := StepValidateManifest
	res, err := s.recoverFromSnapshotFolder(ctx, dir, encState, opts, &step)
	if err != nil {
		return nil, &StepError{Step: step, Err: err}
	}
	return res, nil
}

func (s *Service) recoverFromSnapshotFolder(ctx context.Context, dir string, encState *crypto.State, opts RestoreOptions, step *Step) (*RestoreResult, error) {
	*step = StepValidateManifest
	m, err := manifest.ReadAndValidate(dir, s.appIdentity())
	if err != nil {
		return nil, err
	}

	*step = StepCreateProfile
	root := opts.ProfileRoot
	if root == "" {
		root = s.cfg.ProfilesRoot()
	}
	profileDir, err := profile.CreateUnique(root, m.Meta.ProfileName)
	if err != nil {
		return nil, backuperr.Wrap(backuperr.FileSystem, err, "failed to create profile")
	}
	s.logger.Debug("Created profile for recovery", "profile", profileDir)

	*step = StepRunResourceRecovery
	post, err := s.recoverResources(ctx, m, dir, profileDir)
	if err != nil {
		return nil, err
	}

	*step = StepWritePostRecoveryData
	entry, err := json.Marshal(internalEntry{
		IsProfileRestore: true,
		RestoreID:        s.state.Get().RestoreID,
		BackupMetadata: BackupMetadata{
			Date:           m.Meta.Date,
			AppName:        m.Meta.AppName,
			AppVersion:     m.Meta.AppVersion,
			BuildID:        m.Meta.BuildID,
			OSName:         m.Meta.OSName,
			OSVersion:      m.Meta.OSVersion,
			LegacyClientID: m.Meta.LegacyClientID,
			DeviceName:     m.Meta.DeviceName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal post-recovery metadata: %w", err)
	}
	post[InternalKey] = entry

	newPaths := profile.NewPaths(profileDir)
	if encState != nil {
		if err := encryption.WriteState(newPaths.BackupsDir(), encState); err != nil {
			return nil, err
		}
	}
	if err := writePostRecovery(newPaths.PostRecoveryFile(), post); err != nil {
		return nil, err
	}

	res := &RestoreResult{ProfileDir: profileDir, Manifest: m}

	*step = StepLaunch
	if opts.Launch && s.launcher != nil {
		if err := s.launcher(ctx, profileDir); err != nil {
			s.logger.Error("Failed to launch recovered profile", "profile", profileDir, "error", err)
		}
	}
	return res, nil
}

// recoverResources runs Recover for every manifest entry with a registered
// resource. The first failure aborts the recovery.
func (s *Service) recoverResources(ctx context.Context, m *manifest.Manifest, dir, profileDir string) (map[string]json.RawMessage, error) {
	keys := make([]string, 0, len(m.Resources))
	for key := range m.Resources {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	post := make(map[string]json.RawMessage)
	for _, key := range keys {
		res, ok := s.registry.Get(key)
		if !ok {
			s.logger.Warn("No resource registered for manifest entry, skipping", "resource", key)
			continue
		}

		var out json.RawMessage
		err := protect(key, func() error {
			var rerr error
			out, rerr = res.Recover(ctx, m.Resources[key], filepath.Join(dir, key), profileDir)
			return rerr
		})
		if err != nil {
			return nil, fmt.Errorf("failed to recover resource %s: %w", key, err)
		}
		if !resource.IsUndefined(out) {
			post[key] = out
		}
		s.logger.Debug("Recovered resource", "resource", key)
	}
	return post, nil
}

func writePostRecovery(path string, post map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(post, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal post-recovery data: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return backuperr.Wrap(backuperr.FileSystem, err, "failed to write post-recovery data")
	}
	return nil
}

// CheckForPostRecovery finishes a recovery on the first start of the
// recovered profile. The post-recovery file is always removed.
func (s *Service) CheckForPostRecovery(ctx context.Context, profileDir string) error {
	path := profile.NewPaths(profileDir).PostRecoveryFile()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("Did not find post-recovery file", "path", path)
			return nil
		}
		return backuperr.Wrap(backuperr.FileSystem, err, "failed to read post-recovery file")
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("Failed to remove post-recovery file", "path", path, "error", err)
		}
	}()

	var post map[string]json.RawMessage
	if err := json.Unmarshal(data, &post); err != nil {
		return backuperr.Wrap(backuperr.CorruptedArchive, err, "failed to parse post-recovery file")
	}

	keys := make([]string, 0, len(post))
	for key := range post {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		entry := post[key]
		if key == InternalKey {
			var in internalEntry
			if err := json.Unmarshal(entry, &in); err != nil {
				s.logger.Warn("Malformed post-recovery metadata", "error", err)
				continue
			}
			if in.IsProfileRestore {
				s.updateState(func(v *state.State) {
					v.Restored = &state.RestoredMetadata{
						RestoreID:  in.RestoreID,
						BackupDate: in.BackupMetadata.Date,
						AppVersion: in.BackupMetadata.AppVersion,
						DeviceName: in.BackupMetadata.DeviceName,
					}
				})
			}
			continue
		}

		res, ok := s.registry.Get(key)
		if !ok {
			s.logger.Error("Invalid resource for post-recovery step", "resource", key)
			continue
		}
		s.logger.Debug("Running post-recovery step", "resource", key)
		if err := protect(key, func() error { return res.PostRecovery(ctx, entry) }); err != nil {
			return fmt.Errorf("post-recovery step for %s failed: %w", key, err)
		}
	}
	return nil
}

// GetBackupFileInfo samples an archive and remembers what it holds together
// with a fresh restore id.
func (s *Service) GetBackupFileInfo(path string) (*state.BackupFileInfo, error) {
	if err := s.checkInit(); err != nil {
		return nil, err
	}
	sample, err := archive.SampleFile(path, s.logger)
	if err != nil {
		kind := backuperr.KindOf(err)
		s.updateState(func(v *state.State) {
			v.BackupFileInfo = nil
			v.RestoreID = ""
			v.RecoveryError = kind.String()
		})
		s.publish(events.RecoveryError, kind.String())
		return nil, err
	}

	meta := sample.ArchiveJSON.Meta
	info := &state.BackupFileInfo{
		Path:        path,
		IsEncrypted: sample.IsEncrypted,
		Date:        meta.Date,
		DeviceName:  meta.DeviceName,
		AppName:     meta.AppName,
		AppVersion:  meta.AppVersion,
	}
	s.updateState(func(v *state.State) {
		v.BackupFileInfo = info
		v.RestoreID = uuid.NewString()
		v.RecoveryError = ""
	})
	s.publish(events.StateChanged, "")
	return info, nil
}

// FindBackups looks for archives in the destination folder. With validate
// set, unreadable archives are passed over and the selected one is sampled
// into the backup file info.
func (s *Service) FindBackups(ctx context.Context, validate bool) (*list.Result, error) {
	if err := s.checkInit(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := list.FindBackups(s.cfg.Destination, s.cfg.FilePrefix(), list.Options{Validate: validate, Logger: s.logger})
	if err != nil {
		return nil, err
	}
	if validate && res.Selected != "" {
		if _, err := s.GetBackupFileInfo(res.Selected); err != nil {
			s.logger.Warn("Failed to read selected backup", "path", res.Selected, "error", err)
		}
	}
	return res, nil
}
