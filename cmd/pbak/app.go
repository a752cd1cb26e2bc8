package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"pbak/internal/config"
	"pbak/internal/events"
	"pbak/internal/logging"
	"pbak/internal/remote"
	"pbak/internal/resource"
	"pbak/internal/secrets"
	"pbak/internal/service"

	"github.com/goccy/go-json"
)

// app is what every command works with after the config is loaded.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *resource.Registry
	remote   remote.Backend
	bus      *events.Bus
	closeLog func()
}

func (a *app) Close() {
	if a.closeLog != nil {
		a.closeLog()
	}
}

func loadApp(ctx context.Context, configPath string, withRemote bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel())
	if err != nil {
		return nil, err
	}
	logger, logFile, err := logging.NewLogger(cfg.Log.File, os.Stderr, level)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, bus: events.NewBus()}
	if logFile != nil {
		a.closeLog = func() { logFile.Close() }
	}

	a.registry, err = buildRegistry(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	if withRemote && cfg.S3.Enabled {
		a.remote, err = newRemote(ctx, cfg, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func buildRegistry(cfg *config.Config, logger *slog.Logger) (*resource.Registry, error) {
	registry := resource.NewRegistry()
	for _, r := range cfg.Resources {
		files, err := resource.NewFiles(r.Key, r.Priority, r.RequiresEncryption, r.Paths, logger)
		if err != nil {
			return nil, err
		}
		registry.Register(files)
	}
	return registry, nil
}

func newRemote(ctx context.Context, cfg *config.Config, logger *slog.Logger) (remote.Backend, error) {
	backend, err := remote.NewS3(ctx, remote.Options{
		Bucket:           cfg.S3.Bucket,
		Region:           cfg.S3.Region,
		Prefix:           cfg.S3.Prefix,
		Endpoint:         cfg.S3.Endpoint,
		StorageClass:     cfg.S3StorageClass(),
		MaxRetryAttempts: cfg.S3RetryAttempts(),
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 backend: %w", err)
	}
	if err := backend.VerifyCredentials(ctx); err != nil {
		return nil, fmt.Errorf("AWS credentials verification failed: %w", err)
	}
	return backend, nil
}

// openService starts a backup service for the configured profile. The
// returned func shuts it down.
func (a *app) openService(ctx context.Context, launchCmd string) (*service.Service, func(), error) {
	store, err := secrets.NewFileStore(a.cfg.SecretsDir())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open secret store: %w", err)
	}

	var launcher service.Launcher
	if launchCmd != "" {
		launcher = commandLauncher(launchCmd)
	}

	svc, err := service.New(service.Options{
		Config:       a.cfg,
		Registry:     a.registry,
		Secrets:      store,
		Bus:          a.bus,
		Remote:       a.remote,
		Launcher:     launcher,
		Logger:       a.logger,
		CrossProcess: true,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := svc.Init(ctx); err != nil {
		return nil, nil, err
	}
	return svc, svc.Shutdown, nil
}

// commandLauncher starts name with the recovered profile folder as its only
// argument and does not wait for it.
func commandLauncher(name string) service.Launcher {
	return func(ctx context.Context, profileDir string) error {
		cmd := exec.Command(name, profileDir)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		return cmd.Process.Release()
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
