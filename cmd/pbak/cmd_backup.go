package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"pbak/internal/check"
	"pbak/internal/history"
	"pbak/internal/list"
	"pbak/internal/service"
)

func runBackup(ctx context.Context, configPath, reason string, idle bool) error {
	a, err := loadApp(ctx, configPath, true)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, shutdown, err := a.openService(ctx, "")
	if err != nil {
		return err
	}
	defer shutdown()

	if idle {
		if err := svc.OnIdle(ctx); err != nil {
			return fmt.Errorf("idle backup failed: %w", err)
		}
		st, err := svc.State()
		if err != nil {
			return err
		}
		fmt.Printf("last backup: %s\n", st.LastBackupFileName)
		return nil
	}

	res, err := svc.CreateBackup(ctx, service.BackupOptions{Reason: reason})
	if err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	if res == nil {
		slog.Warn("Backup skipped")
		return nil
	}

	fmt.Printf("backup written: %s (encrypted: %t)\n", res.ArchivePath, res.Encrypted)
	return nil
}

func deleteLastBackup(ctx context.Context, configPath string) error {
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

	if !a.cfg.Schedule.Enabled {
		slog.Warn("Scheduled backups are disabled in the config, nothing is deleted")
		return nil
	}
	return svc.DeleteLastBackup(ctx)
}

func listBackups(ctx context.Context, configPath string, validate bool) error {
	a, err := loadApp(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	infos, err := list.Scan(a.cfg.Destination, a.cfg.FilePrefix(), list.Options{Validate: validate, Logger: a.logger})
	if err != nil {
		return err
	}
	return list.Print(os.Stdout, list.NewOutput(a.cfg.Destination, a.cfg.FilePrefix(), infos))
}

func showHistory(ctx context.Context, configPath, kind string, limit int) error {
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

	runs, err := svc.History().List(history.Kind(kind), limit)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []history.Run{}
	}
	return printJSON(runs)
}

func showStatus(ctx context.Context, configPath string) error {
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

	status, err := svc.Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(status)
}

func runCheck(ctx context.Context, configPath string) error {
	a, err := loadApp(ctx, configPath, true)
	if err != nil {
		return err
	}
	defer a.Close()

	return check.Run(ctx, check.Options{
		Config:   a.cfg,
		Registry: a.registry,
		Remote:   a.remote,
		Out:      os.Stdout,
	})
}
