package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"pbak/internal/remote"
	"pbak/internal/service"
)

type restoreParams struct {
	archive     string
	fromS3      string
	code        string
	profileRoot string
	launch      bool
	launchCmd   string
	dryRun      bool
}

func restoreBackup(ctx context.Context, configPath string, p restoreParams) error {
	if (p.archive == "") == (p.fromS3 == "") {
		return fmt.Errorf("exactly one of --archive or --from-s3 must be given")
	}

	a, err := loadApp(ctx, configPath, p.fromS3 != "")
	if err != nil {
		return err
	}
	defer a.Close()

	archivePath := p.archive
	if p.fromS3 != "" {
		if a.remote == nil {
			return fmt.Errorf("S3 is not enabled in config")
		}
		tmpDir, err := os.MkdirTemp("", "pbak-restore-*")
		if err != nil {
			return fmt.Errorf("failed to create download folder: %w", err)
		}
		defer os.RemoveAll(tmpDir)

		archivePath = filepath.Join(tmpDir, filepath.Base(p.fromS3))
		slog.Info("Downloading archive", "key", p.fromS3)
		if err := remote.Fetch(ctx, a.remote, p.fromS3, archivePath); err != nil {
			return fmt.Errorf("failed to download archive: %w", err)
		}
	}

	launchCmd := ""
	if p.launch {
		launchCmd = p.launchCmd
	}
	svc, shutdown, err := a.openService(ctx, launchCmd)
	if err != nil {
		return err
	}
	defer shutdown()

	info, err := svc.GetBackupFileInfo(archivePath)
	if err != nil {
		return fmt.Errorf("cannot read archive: %w", err)
	}
	if info.IsEncrypted && p.code == "" {
		return fmt.Errorf("archive is encrypted, a recovery code is required")
	}
	if p.dryRun {
		fmt.Println("Dry run: would restore")
		return printJSON(info)
	}

	res, err := svc.RecoverFromArchive(ctx, archivePath, p.code, service.RestoreOptions{
		ProfileRoot: p.profileRoot,
		Launch:      p.launch && p.launchCmd != "",
	})
	if err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}
	if res == nil {
		slog.Warn("Restore skipped")
		return nil
	}
	fmt.Printf("profile restored: %s\n", res.ProfileDir)
	return nil
}

func archiveInfo(ctx context.Context, configPath, archivePath string) error {
	a, err := loadApp(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, shutdown, err := a.openService(ctx, "")
	if err != nil {
		return err
	}
	defer shutdown()

	info, err := svc.GetBackupFileInfo(archivePath)
	if err != nil {
		return err
	}
	return printJSON(info)
}

// postRecovery finishes a restore inside the recovered profile. profileDir
// defaults to the configured profile.
func postRecovery(ctx context.Context, configPath, profileDir string) error {
	a, err := loadApp(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, shutdown, err := a.openService(ctx, "")
	if err != nil {
		return err
	}
	defer shutdown()

	if profileDir == "" {
		profileDir = a.cfg.ProfileDir
	}
	return svc.CheckForPostRecovery(ctx, profileDir)
}

func setEncryption(ctx context.Context, configPath, action, password string) error {
	a, err := loadApp(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, shutdown, err := a.openService(ctx, "")
	if err != nil {
		return err
	}
	defer shutdown()

	switch action {
	case "enable":
		if err := svc.EnableEncryption(ctx, password); err != nil {
			return err
		}
		fmt.Println("encryption enabled, keep the password: it is the recovery code of every new backup")
	case "disable":
		if err := svc.DisableEncryption(ctx); err != nil {
			return err
		}
		fmt.Println("encryption disabled")
	case "verify":
		if err := svc.VerifyEncryptionPassword(ctx, password); err != nil {
			return err
		}
		fmt.Println("password matches")
	default:
		return fmt.Errorf("unknown encryption action %q", action)
	}
	return nil
}
