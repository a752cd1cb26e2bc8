package config

import (
	"fmt"
	"os"
	"path/filepath"
	"pbak/internal/manifest"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFilePrefix           = "Backup"
	DefaultMaxUnremovable       = 5
	DefaultMinInterval          = 24 * time.Hour
	DefaultIdleThreshold        = 5 * time.Minute
	DefaultRetryLimit           = 10
	DefaultRegenerationDebounce = 10 * time.Second
	DefaultS3RetryAttempts      = 3
)

type App struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	BuildID     string `yaml:"build_id"`
	Channel     string `yaml:"channel"`
	DownloadURL string `yaml:"download_url"`
}

type Archive struct {
	Enabled   *bool `yaml:"enabled"`
	ChunkSize int   `yaml:"chunk_size"`
}

type Restore struct {
	Enabled *bool `yaml:"enabled"`
}

type Staging struct {
	MaxUnremovable *int `yaml:"max_unremovable"`
	MaxNameProbes  int  `yaml:"max_name_probes"`
}

type Schedule struct {
	Enabled              bool          `yaml:"enabled"`
	IdleThreshold        time.Duration `yaml:"idle_threshold"`
	MinInterval          time.Duration `yaml:"min_interval"`
	RetryLimit           int           `yaml:"retry_limit"`
	RegenerationDebounce time.Duration `yaml:"regeneration_debounce"`
}

type Resource struct {
	Key                string   `yaml:"key"`
	Priority           int      `yaml:"priority"`
	RequiresEncryption bool     `yaml:"requires_encryption"`
	Paths              []string `yaml:"paths"`
}

type Secrets struct {
	Dir string `yaml:"dir"`
}

type Log struct {
	File  string `yaml:"file"`
	Level string `yaml:"level"`
}

type S3Config struct {
	Enabled      bool               `yaml:"enabled"`
	Bucket       string             `yaml:"bucket"`
	Prefix       string             `yaml:"prefix"`
	Region       string             `yaml:"region"`
	Endpoint     string             `yaml:"endpoint"`
	StorageClass types.StorageClass `yaml:"storage_class"`
	Retry        struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"retry,omitempty"`
}

type Config struct {
	ProfileDir  string `yaml:"profile_dir"`
	ProfileRoot string `yaml:"profile_root"`
	ProfileName string `yaml:"profile_name"`
	Destination string `yaml:"destination"`
	Prefix      string `yaml:"file_prefix"`

	App       App        `yaml:"app"`
	Archive   Archive    `yaml:"archive"`
	Restore   Restore    `yaml:"restore"`
	Staging   Staging    `yaml:"staging"`
	Schedule  Schedule   `yaml:"schedule"`
	Resources []Resource `yaml:"resources"`
	Secrets   Secrets    `yaml:"secrets"`
	S3        S3Config   `yaml:"s3"`
	Log       Log        `yaml:"log"`
}

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.ProfileDir == "" {
		return fmt.Errorf("profile_dir is required")
	}
	if c.Destination == "" {
		return fmt.Errorf("destination is required")
	}
	if c.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if c.App.Version == "" {
		return fmt.Errorf("app.version is required")
	}
	if strings.ContainsAny(c.FilePrefix(), `/\_`) {
		return fmt.Errorf("file_prefix must not contain path separators or '_'")
	}
	if c.Archive.ChunkSize < 0 {
		return fmt.Errorf("archive.chunk_size must not be negative")
	}
	if c.Staging.MaxUnremovable != nil && *c.Staging.MaxUnremovable < 0 {
		return fmt.Errorf("staging.max_unremovable must not be negative")
	}
	if c.Staging.MaxNameProbes < 0 {
		return fmt.Errorf("staging.max_name_probes must not be negative")
	}
	if c.Schedule.RetryLimit < 0 {
		return fmt.Errorf("schedule.retry_limit must not be negative")
	}

	seen := make(map[string]bool)
	for i, r := range c.Resources {
		if r.Key == "" {
			return fmt.Errorf("resources[%d].key is required", i)
		}
		if !manifest.ValidResourceKey(r.Key) {
			return fmt.Errorf("resources[%d].key %q must match [a-z0-9][a-z0-9_.-]*", i, r.Key)
		}
		if seen[r.Key] {
			return fmt.Errorf("resources[%d].key %q is duplicated", i, r.Key)
		}
		seen[r.Key] = true
		if len(r.Paths) == 0 {
			return fmt.Errorf("resources[%d].paths must have at least one entry", i)
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required when s3 is enabled")
		}
		if c.S3.Region == "" {
			return fmt.Errorf("s3.region is required when s3 is enabled")
		}
	}
	return nil
}

func (c *Config) FindResource(key string) (*Resource, error) {
	for _, r := range c.Resources {
		if r.Key == key {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("resource not found: %s", key)
}

// BackupsDir holds the service's working files inside the profile.
func (c *Config) BackupsDir() string {
	return filepath.Join(c.ProfileDir, "backups")
}

// ProfilesRoot is where recovered profiles are created.
func (c *Config) ProfilesRoot() string {
	if c.ProfileRoot != "" {
		return c.ProfileRoot
	}
	return filepath.Dir(c.ProfileDir)
}

func (c *Config) SecretsDir() string {
	if c.Secrets.Dir != "" {
		return c.Secrets.Dir
	}
	return filepath.Join(c.ProfilesRoot(), ".pbak-secrets")
}

func (c *Config) FilePrefix() string {
	if c.Prefix != "" {
		return c.Prefix
	}
	return DefaultFilePrefix
}

func (c *Config) ArchiveEnabled() bool {
	return c.Archive.Enabled == nil || *c.Archive.Enabled
}

func (c *Config) RestoreEnabled() bool {
	return c.Restore.Enabled == nil || *c.Restore.Enabled
}

// ChunkSize returns 0 when unset so the archive builder picks its default.
func (c *Config) ChunkSize() int {
	return c.Archive.ChunkSize
}

func (c *Config) MaxUnremovable() int {
	if c.Staging.MaxUnremovable != nil {
		return *c.Staging.MaxUnremovable
	}
	return DefaultMaxUnremovable
}

func (c *Config) MaxNameProbes() int {
	if c.Staging.MaxNameProbes > 0 {
		return c.Staging.MaxNameProbes
	}
	return c.MaxUnremovable() + 1
}

func (c *Config) MinInterval() time.Duration {
	if c.Schedule.MinInterval > 0 {
		return c.Schedule.MinInterval
	}
	return DefaultMinInterval
}

func (c *Config) IdleThreshold() time.Duration {
	if c.Schedule.IdleThreshold > 0 {
		return c.Schedule.IdleThreshold
	}
	return DefaultIdleThreshold
}

func (c *Config) RetryLimit() int {
	if c.Schedule.RetryLimit > 0 {
		return c.Schedule.RetryLimit
	}
	return DefaultRetryLimit
}

func (c *Config) RegenerationDebounce() time.Duration {
	if c.Schedule.RegenerationDebounce > 0 {
		return c.Schedule.RegenerationDebounce
	}
	return DefaultRegenerationDebounce
}

func (c *Config) S3RetryAttempts() int {
	if c.S3.Retry.MaxAttempts > 0 {
		return c.S3.Retry.MaxAttempts
	}
	return DefaultS3RetryAttempts
}

func (c *Config) S3StorageClass() types.StorageClass {
	if c.S3.StorageClass != "" {
		return c.S3.StorageClass
	}
	return types.StorageClassStandard
}

func (c *Config) LogLevel() string {
	if c.Log.Level != "" {
		return c.Log.Level
	}
	return "info"
}
