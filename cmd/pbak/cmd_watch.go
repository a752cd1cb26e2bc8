package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"pbak/internal/events"
	"pbak/internal/profile"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/clock"
)

// watchProfile keeps a backup service running for the profile. Removed
// files become data-deletion notices, and a quiet period of the configured
// idle threshold becomes an idle notice.
func watchProfile(ctx context.Context, configPath string) error {
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

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	backupsDir := profile.NewPaths(a.cfg.ProfileDir).BackupsDir()
	dirs, err := watchDirs(a.cfg.ProfileDir, backupsDir)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	notes, unsubscribe := svc.Subscribe()
	defer unsubscribe()

	slog.Info("Watching profile", "profile", a.cfg.ProfileDir, "dirs", len(dirs), "idleThreshold", a.cfg.IdleThreshold())
	return forwardEvents(ctx, forwardOptions{
		watcher:    watcher,
		bus:        a.bus,
		notes:      notes,
		backupsDir: backupsDir,
		idle:       a.cfg.IdleThreshold(),
		clock:      clock.WallClock,
	})
}

type forwardOptions struct {
	watcher    *fsnotify.Watcher
	bus        *events.Bus
	notes      <-chan events.Event
	backupsDir string
	idle       time.Duration
	clock      clock.Clock
}

func forwardEvents(ctx context.Context, opts forwardOptions) error {
	idle := opts.clock.NewTimer(opts.idle)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			opts.bus.Publish(events.Event{Type: events.Shutdown})
			return nil

		case ev, ok := <-opts.watcher.Events:
			if !ok {
				return nil
			}
			if within(ev.Name, opts.backupsDir) {
				continue
			}
			idle.Reset(opts.idle)

			if t, ok := classify(ev); ok {
				slog.Debug("Profile change", "path", ev.Name, "op", ev.Op.String())
				opts.bus.Publish(events.Event{Type: t, Detail: ev.Name})
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := opts.watcher.Add(ev.Name); err != nil {
						slog.Warn("Failed to watch new folder", "path", ev.Name, "error", err)
					}
				}
			}

		case err, ok := <-opts.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Watcher error", "error", err)

		case <-idle.Chan():
			opts.bus.Publish(events.Event{Type: events.Idle})
			idle.Reset(opts.idle)

		case note := <-opts.notes:
			switch note.Type {
			case events.StateChanged:
				slog.Info("Backup state changed", "detail", note.Detail)
			case events.RecoveryError:
				slog.Error("Recovery error", "kind", note.Detail)
			}
		}
	}
}

// classify maps a file system event to the notice it stands for.
func classify(ev fsnotify.Event) (events.Type, bool) {
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		return events.DataDeleted, true
	}
	return "", false
}

// watchDirs lists profileDir and every folder below it except skip.
func watchDirs(profileDir, skip string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(profileDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path == skip {
			return filepath.SkipDir
		}
		dirs = append(dirs, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list profile folders: %w", err)
	}
	return dirs, nil
}

func within(path, dir string) bool {
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}
