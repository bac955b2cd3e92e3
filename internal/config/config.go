// Package config loads fitsync settings from defaults, an optional config
// file, FITSYNC_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fitdesk/fitsync/internal/offline/cache"
	"github.com/fitdesk/fitsync/internal/offline/queue"
	"github.com/fitdesk/fitsync/internal/offline/schema"
)

// EnvPrefix is prepended to every environment variable, with dots in keys
// replaced by underscores: sync.debounce is FITSYNC_SYNC_DEBOUNCE.
const EnvPrefix = "FITSYNC"

// Storage backends for the pending-operation queue.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Remote kinds.
const (
	RemoteSQL  = "sql"
	RemoteHTTP = "http"
)

// Config is the resolved configuration.
type Config struct {
	DataDir        string          `mapstructure:"data_dir"`
	PrioritiesFile string          `mapstructure:"priorities_file"`
	Storage        StorageConfig   `mapstructure:"storage"`
	Remote         RemoteConfig    `mapstructure:"remote"`
	Sync           SyncConfig      `mapstructure:"sync"`
	Cache          CacheConfig     `mapstructure:"cache"`
	Netwatch       NetwatchConfig  `mapstructure:"netwatch"`
	Dashboard      DashboardConfig `mapstructure:"dashboard"`
	Log            LogConfig       `mapstructure:"log"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// StorageConfig selects where the queue is persisted.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

// RemoteConfig selects the service pending operations are replayed to.
type RemoteConfig struct {
	Kind   string `mapstructure:"kind"`
	DSN    string `mapstructure:"dsn"`
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

// SyncConfig holds the drain retry and debounce settings.
type SyncConfig struct {
	Debounce    time.Duration `mapstructure:"debounce"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

// CacheConfig holds cache envelope settings.
type CacheConfig struct {
	Version    int           `mapstructure:"version"`
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

// NetwatchConfig holds connectivity probe settings. An empty ProbeURL
// disables probing; the device is then assumed online.
type NetwatchConfig struct {
	ProbeURL string        `mapstructure:"probe_url"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DashboardConfig holds dashboard server settings.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// LogConfig holds log file settings. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// New returns a viper instance with defaults and environment binding set
// up. Callers bind flags on it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", ".fitsync")
	v.SetDefault("priorities_file", "")

	v.SetDefault("storage.backend", BackendFile)

	v.SetDefault("remote.kind", RemoteSQL)
	v.SetDefault("remote.dsn", "")
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.api_key", "")

	v.SetDefault("sync.debounce", queue.DefaultDebounce)
	v.SetDefault("sync.max_retries", queue.MaxRetries)
	v.SetDefault("sync.base_backoff", queue.DefaultBaseBackoff)
	v.SetDefault("sync.max_backoff", queue.DefaultMaxBackoff)

	v.SetDefault("cache.version", cache.CurrentVersion)
	v.SetDefault("cache.default_ttl", 24*time.Hour)

	v.SetDefault("netwatch.probe_url", "")
	v.SetDefault("netwatch.interval", 10*time.Second)
	v.SetDefault("netwatch.timeout", 3*time.Second)

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.host", "127.0.0.1")
	v.SetDefault("dashboard.port", 8080)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Load reads the config file and resolves v into a validated Config.
//
// If file is empty, fitsync.{yaml,toml,json} is searched for in
// $HOME/.fitsync and the working directory; not finding one is fine.
// A file named explicitly must exist.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("fitsync")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".fitsync"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.PrioritiesFile = expandHome(cfg.PrioritiesFile)
	cfg.Log.File = expandHome(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	switch c.Storage.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("invalid storage.backend %q (must be %s or %s)", c.Storage.Backend, BackendFile, BackendSQLite)
	}
	switch c.Remote.Kind {
	case RemoteSQL, RemoteHTTP:
	default:
		return fmt.Errorf("invalid remote.kind %q (must be %s or %s)", c.Remote.Kind, RemoteSQL, RemoteHTTP)
	}
	if c.Sync.Debounce < 0 || c.Sync.BaseBackoff < 0 || c.Sync.MaxBackoff < 0 {
		return fmt.Errorf("sync durations must not be negative")
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync.max_retries must be at least 1 (got %d)", c.Sync.MaxRetries)
	}
	if c.Cache.Version < 1 {
		return fmt.Errorf("cache.version must be at least 1 (got %d)", c.Cache.Version)
	}
	if c.Cache.DefaultTTL < 0 || c.Netwatch.Interval < 0 || c.Netwatch.Timeout < 0 {
		return fmt.Errorf("cache and netwatch durations must not be negative")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("invalid dashboard.port %d", c.Dashboard.Port)
	}
	return nil
}

// StorageDir is where the file backend keeps the queue.
func (c *Config) StorageDir() string {
	return filepath.Join(c.DataDir, "storage")
}

// LocalDBPath is the embedded database holding the cache (and the queue
// with the sqlite backend).
func (c *Config) LocalDBPath() string {
	return filepath.Join(c.DataDir, "local.db")
}

// RemoteDSN returns the SQL remote DSN, defaulting to a local file that
// stands in for the hosted database.
func (c *Config) RemoteDSN() string {
	if c.Remote.DSN != "" {
		return c.Remote.DSN
	}
	return filepath.Join(c.DataDir, "remote.db")
}

// Priorities returns the default priority table with any overrides from
// PrioritiesFile applied.
func (c *Config) Priorities() (schema.Priorities, error) {
	defaults := schema.DefaultPriorities()
	if c.PrioritiesFile == "" {
		return defaults, nil
	}
	overrides, err := LoadPriorities(c.PrioritiesFile)
	if err != nil {
		return nil, err
	}
	return defaults.Merge(overrides), nil
}

// SyncerConfig maps the sync section onto queue settings. Service and the
// runtime hooks are left for the caller.
func (c *Config) SyncerConfig() queue.SyncerConfig {
	return queue.SyncerConfig{
		MaxRetries:  c.Sync.MaxRetries,
		BaseBackoff: c.Sync.BaseBackoff,
		MaxBackoff:  c.Sync.MaxBackoff,
		Debounce:    c.Sync.Debounce,
	}
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
