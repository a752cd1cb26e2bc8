// Package state persists what the backup service remembers between runs.
package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

const FileName = "backup-state.yaml"

type DebugInfo struct {
	LastBackupAttempt int64  `yaml:"last_backup_attempt"`
	ErrorCode         string `yaml:"error_code"`
	LastRunStep       string `yaml:"last_run_step"`
}

// BackupFileInfo describes the archive most recently inspected for restore.
type BackupFileInfo struct {
	Path        string `yaml:"path"`
	IsEncrypted bool   `yaml:"is_encrypted"`
	Date        string `yaml:"date"`
	DeviceName  string `yaml:"device_name"`
	AppName     string `yaml:"app_name"`
	AppVersion  string `yaml:"app_version"`
}

// RestoredMetadata is carried over from post-recovery processing so the
// next backup can report where the profile came from.
type RestoredMetadata struct {
	RestoreID  string `yaml:"restore_id"`
	BackupDate string `yaml:"backup_date"`
	AppVersion string `yaml:"app_version"`
	DeviceName string `yaml:"device_name"`
}

type State struct {
	LastBackupDate     int64  `yaml:"last_backup_date,omitempty"`
	LastBackupFileName string `yaml:"last_backup_file_name,omitempty"`
	ErrorCode          string `yaml:"error_code,omitempty"`

	DebugInfo *DebugInfo `yaml:"debug_info,omitempty"`

	RetryCount              int  `yaml:"retry_count"`
	DisabledOnIdleRetry     bool `yaml:"disabled_on_idle_retry"`
	ScheduledBackupsEnabled bool `yaml:"scheduled_backups_enabled"`

	BackupFileInfo *BackupFileInfo   `yaml:"backup_file_info,omitempty"`
	RestoreID      string            `yaml:"restore_id,omitempty"`
	RecoveryError  string            `yaml:"recovery_error,omitempty"`
	Restored       *RestoredMetadata `yaml:"restored,omitempty"`

	LastUpdated int64 `yaml:"last_updated"`
}

func Write(filename string, s *State) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filename)
}

// Read returns an empty State when filename does not exist.
func Read(filename string) (*State, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &State{}, nil
		}
		return nil, err
	}
	var s State
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	return &s, nil
}

// Store serializes updates to one state file.
type Store struct {
	path string
	now  func() int64

	mu    sync.Mutex
	state State
}

func Open(path string, now func() int64) (*Store, error) {
	s, err := Read(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, now: now, state: *s}, nil
}

func (s *Store) Path() string {
	return s.path
}

// Get returns a copy of the current state.
func (s *Store) Get() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.state)
}

// Update applies fn to the state and writes the result. The in-memory state
// is only replaced when the write succeeds.
func (s *Store) Update(fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := clone(s.state)
	fn(&next)
	if s.now != nil {
		next.LastUpdated = s.now()
	}
	if err := Write(s.path, &next); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	s.state = next
	return nil
}

func clone(s State) State {
	if s.DebugInfo != nil {
		d := *s.DebugInfo
		s.DebugInfo = &d
	}
	if s.BackupFileInfo != nil {
		b := *s.BackupFileInfo
		s.BackupFileInfo = &b
	}
	if s.Restored != nil {
		r := *s.Restored
		s.Restored = &r
	}
	return s
}
