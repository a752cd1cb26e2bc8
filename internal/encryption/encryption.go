// Package encryption tracks whether backups of a profile are encrypted and
// keeps the encryption state on disk.
package encryption

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"pbak/internal/backuperr"
	"pbak/internal/crypto"
	"pbak/internal/logging"
	"pbak/internal/secrets"
	"sync"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

const (
	FileName          = "enc-state.json"
	MinPasswordLength = 8
)

type status int

const (
	notLoaded status = iota
	disabled
	enabled
)

type Options struct {
	// BackupsDir holds the state file.
	BackupsDir string
	// Secrets receives the OS secret of a newly enabled state. Optional.
	Secrets     secrets.Store
	SecretLabel string
	Logger      *slog.Logger
}

// Manager caches the encryption state of one profile. The first Load reads
// the state file and every caller that arrives while it is in flight waits
// for that same read.
type Manager struct {
	opts   Options
	logger *slog.Logger

	// change serializes Enable and Disable.
	change sync.Mutex

	mu      sync.Mutex
	status  status
	state   *crypto.State
	loading chan struct{}
	reads   int
}

func NewManager(opts Options) *Manager {
	return &Manager{opts: opts, logger: logging.OrDefault(opts.Logger)}
}

func (m *Manager) path() string {
	return filepath.Join(m.opts.BackupsDir, FileName)
}

// Load returns the current state, or nil when encryption is disabled.
func (m *Manager) Load(ctx context.Context) (*crypto.State, error) {
	m.mu.Lock()
	for m.status == notLoaded && m.loading != nil {
		ch := m.loading
		m.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		m.mu.Lock()
	}
	if m.status != notLoaded {
		defer m.mu.Unlock()
		return m.state, nil
	}

	ch := make(chan struct{})
	m.loading = ch
	m.reads++
	m.mu.Unlock()

	state := m.read()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == notLoaded {
		m.set(state)
	}
	m.loading = nil
	close(ch)
	return m.state, nil
}

func (m *Manager) set(state *crypto.State) {
	m.state = state
	if state == nil {
		m.status = disabled
	} else {
		m.status = enabled
	}
}

// read returns nil for a missing or unusable state file.
func (m *Manager) read() *crypto.State {
	data, err := os.ReadFile(m.path())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			m.logger.Error("Failed to read encryption state", "path", m.path(), "error", err)
		}
		return nil
	}

	var s crypto.Serialized
	if err := json.Unmarshal(data, &s); err != nil {
		m.logger.Error("Failed to parse encryption state", "path", m.path(), "error", err)
		return nil
	}
	state, err := crypto.LoadState(s)
	if err != nil {
		m.logger.Error("Invalid encryption state", "path", m.path(), "error", err)
		return nil
	}
	return state
}

// Enabled reports the cached status without touching disk.
func (m *Manager) Enabled() (on bool, loaded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == enabled, m.status != notLoaded
}

func (m *Manager) Enable(ctx context.Context, password string) (*crypto.State, error) {
	m.change.Lock()
	defer m.change.Unlock()

	current, err := m.Load(ctx)
	if err != nil {
		return nil, err
	}
	if current != nil {
		return nil, backuperr.New(backuperr.EncryptionAlreadyEnabled, "encryption is already enabled")
	}
	if password == "" || utf8.RuneCountInString(password) < MinPasswordLength {
		return nil, backuperr.New(backuperr.InvalidPassword,
			"password must be at least %d characters", MinPasswordLength)
	}

	state, err := crypto.NewState(password)
	if err != nil {
		return nil, err
	}
	if err := WriteState(m.opts.BackupsDir, state); err != nil {
		return nil, err
	}
	if m.opts.Secrets != nil && m.opts.SecretLabel != "" {
		if err := m.opts.Secrets.Put(m.opts.SecretLabel, state.OSSecret()); err != nil {
			m.logger.Warn("Failed to store backup secret", "label", m.opts.SecretLabel, "error", err)
		}
	}

	m.mu.Lock()
	m.set(state)
	m.mu.Unlock()

	m.logger.Info("Backup encryption enabled")
	return state, nil
}

func (m *Manager) Disable(ctx context.Context) error {
	m.change.Lock()
	defer m.change.Unlock()

	current, err := m.Load(ctx)
	if err != nil {
		return err
	}
	if current == nil {
		return backuperr.New(backuperr.EncryptionAlreadyDisabled, "encryption is already disabled")
	}

	if err := os.Remove(m.path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return backuperr.Wrap(backuperr.FileSystem, err, "failed to remove encryption state")
	}
	if m.opts.Secrets != nil && m.opts.SecretLabel != "" {
		if err := m.opts.Secrets.Delete(m.opts.SecretLabel); err != nil && !errors.Is(err, secrets.ErrNotFound) {
			m.logger.Warn("Failed to delete backup secret", "label", m.opts.SecretLabel, "error", err)
		}
	}

	m.mu.Lock()
	m.set(nil)
	m.mu.Unlock()

	m.logger.Info("Backup encryption disabled")
	return nil
}

// Verify checks password against the enabled state.
func (m *Manager) Verify(ctx context.Context, password string) error {
	state, err := m.Load(ctx)
	if err != nil {
		return err
	}
	if state == nil {
		return backuperr.New(backuperr.EncryptionAlreadyDisabled, "encryption is not enabled")
	}
	return state.Verify(password)
}

// ReprovisionForRecovery builds fresh key material from the recovery code of
// a restored archive. The original device's key material is not reused.
func (m *Manager) ReprovisionForRecovery(recoveryCode string) (*crypto.State, error) {
	return crypto.NewState(recoveryCode)
}

// Reset drops the cached status so the next Load reads the file again.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = notLoaded
	m.state = nil
}

// Reads is the number of times the state file has been read.
func (m *Manager) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// WriteState stores state as backupsDir/enc-state.json readable by the owner
// only.
func WriteState(backupsDir string, state *crypto.State) error {
	data, err := json.MarshalIndent(state.Serialize(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal encryption state: %w", err)
	}
	if err := os.MkdirAll(backupsDir, 0o700); err != nil {
		return backuperr.Wrap(backuperr.FileSystem, err, "failed to create %s", backupsDir)
	}

	path := filepath.Join(backupsDir, FileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return backuperr.Wrap(backuperr.FileSystem, err, "failed to write encryption state")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return backuperr.Wrap(backuperr.FileSystem, err, "failed to write encryption state")
	}
	return nil
}
