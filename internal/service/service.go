// Package service runs backups and restores of one profile. A Service owns
// the profile's working folder, serializes archive writes behind a named
// lock and reacts to host events such as idle time or deleted user data.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"pbak/internal/backuperr"
	"pbak/internal/config"
	"pbak/internal/encryption"
	"pbak/internal/events"
	"pbak/internal/history"
	"pbak/internal/lock"
	"pbak/internal/logging"
	"pbak/internal/manifest"
	"pbak/internal/profile"
	"pbak/internal/remote"
	"pbak/internal/resource"
	"pbak/internal/secrets"
	"pbak/internal/staging"
	"pbak/internal/state"
	"pbak/internal/worker"
	"sync"
	"time"

	"github.com/juju/clock"
)

const (
	WriteLockName = "write-backup"

	// EncryptionSecretLabel holds the OS secret of the profile's own
	// encryption state.
	EncryptionSecretLabel = "pbak-backup-encryption"

	// historyKeep bounds the run history.
	historyKeep = 500
)

type Step string

const (
	StepEntrypoint          Step = "ENTRYPOINT"
	StepResolveDestination  Step = "RESOLVE_DESTINATION"
	StepCreateManifest      Step = "CREATE_MANIFEST"
	StepCreateBackupsFolder Step = "CREATE_BACKUPS_FOLDER"
	StepCreateStagingFolder Step = "CREATE_STAGING_FOLDER"
	StepLoadEncState        Step = "LOAD_ENCSTATE"
	StepRunBackup           Step = "RUN_BACKUP"
	StepVerifyManifest      Step = "VERIFY_MANIFEST"
	StepWriteManifest       Step = "WRITE_MANIFEST"
	StepFinalizeStaging     Step = "FINALIZE_STAGING"
	StepCompressStaging     Step = "COMPRESS_STAGING"
	StepCreateArchive       Step = "CREATE_ARCHIVE"
	StepFinalizeArchive     Step = "FINALIZE_ARCHIVE"
	StepMirrorArchive       Step = "MIRROR_ARCHIVE"

	StepExtractSnapshot       Step = "EXTRACT_SNAPSHOT"
	StepDecompress            Step = "DECOMPRESS"
	StepValidateManifest      Step = "VALIDATE_MANIFEST"
	StepCreateProfile         Step = "CREATE_PROFILE"
	StepRunResourceRecovery   Step = "RUN_RESOURCE_RECOVERY"
	StepWritePostRecoveryData Step = "WRITE_POST_RECOVERY_DATA"
	StepLaunch                Step = "LAUNCH"
)

// StepError reports the step an operation failed in. The Kind of the
// underlying error is reachable through backuperr.KindOf.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("failed at %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Launcher starts the application on a freshly recovered profile.
type Launcher func(ctx context.Context, profileDir string) error

type Options struct {
	Config   *config.Config
	Registry *resource.Registry
	// Secrets defaults to an in-memory store.
	Secrets secrets.Store
	// Bus defaults to a private bus.
	Bus *events.Bus
	// Remote mirrors finished archives when set.
	Remote   remote.Backend
	Launcher Launcher
	Clock    clock.Clock
	Logger   *slog.Logger
	// CrossProcess also excludes other processes from writing archives of
	// the same profile.
	CrossProcess bool
}

type Service struct {
	cfg      *config.Config
	registry *resource.Registry
	secrets  secrets.Store
	bus      *events.Bus
	remote   remote.Backend
	launcher Launcher
	clock    clock.Clock
	logger   *slog.Logger

	paths      profile.Paths
	encryption *encryption.Manager
	staging    *staging.Manager
	writeLock  *lock.Named

	pool      *worker.Pool
	state     *state.Store
	history   *history.Store
	startTime time.Time

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup

	mu                 sync.Mutex
	initialized        bool
	backupInProgress   bool
	recoveryInProgress bool
	regenTimer         clock.Timer
}

// Status is a snapshot of the persisted state plus what is running now.
type Status struct {
	state.State
	BackupInProgress   bool
	RecoveryInProgress bool
	EncryptionEnabled  bool
}

func New(opts Options) (*Service, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Registry == nil {
		opts.Registry = resource.NewRegistry()
	}
	if opts.Secrets == nil {
		opts.Secrets = secrets.NewMemoryStore()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	logger := logging.OrDefault(opts.Logger)
	paths := profile.NewPaths(opts.Config.ProfileDir)

	stagingMgr := staging.NewManager(opts.Config.MaxUnremovable(), opts.Config.MaxNameProbes(), logger)
	stagingMgr.Now = opts.Clock.Now

	return &Service{
		cfg:      opts.Config,
		registry: opts.Registry,
		secrets:  opts.Secrets,
		bus:      opts.Bus,
		remote:   opts.Remote,
		launcher: opts.Launcher,
		clock:    opts.Clock,
		logger:   logger,
		paths:    paths,
		encryption: encryption.NewManager(encryption.Options{
			BackupsDir:  paths.BackupsDir(),
			Secrets:     opts.Secrets,
			SecretLabel: EncryptionSecretLabel,
			Logger:      logger,
		}),
		staging: stagingMgr,
		writeLock: lock.New(WriteLockName, lock.Options{
			Scope:        opts.Config.ProfileDir,
			CrossProcess: opts.CrossProcess,
			OwnerFile:    paths.LockFile(),
			Clock:        opts.Clock,
		}),
	}, nil
}

// Init opens the persisted state and history, starts the worker and begins
// handling host events.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return fmt.Errorf("backup service already initialized")
	}

	if err := profile.SetupDirectories(s.paths.BackupsDir()); err != nil {
		return backuperr.Wrap(backuperr.FileSystem, err, "failed to create backups folder")
	}

	st, err := state.Open(filepath.Join(s.paths.BackupsDir(), state.FileName), func() int64 {
		return s.clock.Now().Unix()
	})
	if err != nil {
		return fmt.Errorf("failed to load backup state: %w", err)
	}
	if err := st.Update(func(v *state.State) {
		v.ScheduledBackupsEnabled = s.cfg.Schedule.Enabled
	}); err != nil {
		return err
	}

	hist, err := history.Open(filepath.Join(s.paths.BackupsDir(), history.FileName), s.logger)
	if err != nil {
		return err
	}

	if _, err := s.encryption.Load(ctx); err != nil {
		hist.Close()
		return err
	}

	s.state = st
	s.history = hist
	s.pool = worker.NewPool(1, s.logger)
	s.startTime = s.clock.Now()
	s.ctx, s.cancel = context.WithCancel(context.Background())

	ch, unsubscribe := s.bus.Subscribe(16)
	s.unsubscribe = unsubscribe
	s.wg.Add(1)
	go s.loop(ch)

	s.initialized = true
	s.logger.Debug("Backup service initialized", "profile", s.cfg.ProfileDir)
	return nil
}

// Shutdown cancels lock waiters and pending timers and waits for event
// handlers to return. A running archive step finishes first.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return
	}
	s.initialized = false
	if s.regenTimer != nil {
		s.regenTimer.Stop()
		s.regenTimer = nil
	}
	s.mu.Unlock()

	s.writeLock.Abort()
	s.cancel()
	s.unsubscribe()
	s.wg.Wait()
	s.pool.Stop()
	if err := s.history.Close(); err != nil {
		s.logger.Warn("Failed to close history", "error", err)
	}
	s.logger.Debug("Backup service stopped")
}

func (s *Service) loop(ch <-chan events.Event) {
	defer s.wg.Done()
	for e := range ch {
		switch e.Type {
		case events.DataDeleted:
			s.onDataDeleted()
		case events.Idle:
			s.spawn(func(ctx context.Context) {
				if err := s.OnIdle(ctx); err != nil {
					s.logger.Warn("Idle backup failed", "error", err)
				}
			})
		}
	}
}

// spawn runs fn on its own goroutine unless the service is shutting down.
func (s *Service) spawn(fn func(ctx context.Context)) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	ctx := s.ctx
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

func (s *Service) checkInit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return backuperr.New(backuperr.Uninitialized, "backup service is not initialized")
	}
	return nil
}

// begin sets flag unless it is already set.
func (s *Service) begin(flag *bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *flag {
		return false
	}
	*flag = true
	return true
}

func (s *Service) end(flag *bool) {
	s.mu.Lock()
	*flag = false
	s.mu.Unlock()
}

func (s *Service) publish(t events.Type, detail string) {
	s.bus.Publish(events.Event{Type: t, Time: s.clock.Now(), Detail: detail})
}

func (s *Service) updateState(fn func(*state.State)) {
	if err := s.state.Update(fn); err != nil {
		s.logger.Error("Failed to persist backup state", "error", err)
	}
}

func (s *Service) record(run *history.Run) {
	if err := s.history.Record(run); err != nil {
		s.logger.Warn("Failed to record run history", "kind", run.Kind, "error", err)
		return
	}
	if n, err := s.history.Prune(historyKeep); err != nil {
		s.logger.Warn("Failed to prune run history", "error", err)
	} else if n > 0 {
		s.logger.Debug("Pruned run history", "removed", n)
	}
}

// Subscribe delivers StateChanged and RecoveryError notifications.
func (s *Service) Subscribe() (<-chan events.Event, func()) {
	return s.bus.Subscribe(8)
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	if err := s.checkInit(); err != nil {
		return Status{}, err
	}
	encState, err := s.encryption.Load(ctx)
	if err != nil {
		return Status{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:              s.state.Get(),
		BackupInProgress:   s.backupInProgress,
		RecoveryInProgress: s.recoveryInProgress,
		EncryptionEnabled:  encState != nil,
	}, nil
}

// State returns a copy of the persisted service state.
func (s *Service) State() (state.State, error) {
	if err := s.checkInit(); err != nil {
		return state.State{}, err
	}
	return s.state.Get(), nil
}

func (s *Service) History() *history.Store {
	return s.history
}

func (s *Service) SetScheduledBackups(on bool) error {
	if err := s.checkInit(); err != nil {
		return err
	}
	if err := s.state.Update(func(v *state.State) { v.ScheduledBackupsEnabled = on }); err != nil {
		return err
	}
	s.logger.Info("Scheduled backups updated", "enabled", on)
	s.publish(events.StateChanged, "")
	return nil
}

func (s *Service) scheduledEnabled() bool {
	return s.state.Get().ScheduledBackupsEnabled
}

// EnableEncryption turns on encrypted archives. The password is also the
// recovery code of every archive written afterwards.
func (s *Service) EnableEncryption(ctx context.Context, password string) error {
	if err := s.checkInit(); err != nil {
		return err
	}
	if _, err := s.encryption.Enable(ctx, password); err != nil {
		return err
	}
	s.publish(events.StateChanged, "")
	return nil
}

func (s *Service) DisableEncryption(ctx context.Context) error {
	if err := s.checkInit(); err != nil {
		return err
	}
	if err := s.encryption.Disable(ctx); err != nil {
		return err
	}
	s.publish(events.StateChanged, "")
	return nil
}

func (s *Service) VerifyEncryptionPassword(ctx context.Context, password string) error {
	if err := s.checkInit(); err != nil {
		return err
	}
	return s.encryption.Verify(ctx, password)
}

func (s *Service) manifestEnv() manifest.Env {
	sys := manifest.GetSystemInfo()
	name := s.cfg.ProfileName
	if name == "" {
		name = profile.NameFromDir(s.cfg.ProfileDir)
	}
	return manifest.Env{
		App: manifest.AppIdentity{
			Name:    s.cfg.App.Name,
			Version: s.cfg.App.Version,
			BuildID: s.cfg.App.BuildID,
		},
		System:      sys,
		ProfileName: name,
		MachineName: sys.Hostname,
		Now:         s.clock.Now(),
	}
}

func (s *Service) appIdentity() manifest.AppIdentity {
	return manifest.AppIdentity{Name: s.cfg.App.Name, Version: s.cfg.App.Version, BuildID: s.cfg.App.BuildID}
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// protect turns a panic in resource code into an error.
func protect(key string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resource %s panicked: %v", key, r)
		}
	}()
	return fn()
}
