// Package config loads rowsync settings from a rowsync.yaml or rowsync.toml
// file, ROWSYNC_* environment variables and defaults, in that order of
// precedence after explicit flags.
//
// Environment variables replace dots with underscores:
// ROWSYNC_SERVER_LISTEN overrides server.listen.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rowsync/rowsync/internal/batch"
	"github.com/rowsync/rowsync/internal/conflict"
	"github.com/rowsync/rowsync/internal/orchestrator"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "ROWSYNC"

// Config holds every setting of the rowsync command.
type Config struct {
	// Provider is the registered provider name: sqlite, mysql or mssql
	Provider string `mapstructure:"provider"`

	// DSN is the provider connection string; a file path for sqlite
	DSN string `mapstructure:"dsn"`

	// Scope is the scope synced when none is given on the command line
	Scope string `mapstructure:"scope"`

	// Setup is the path of the scope definition used by provision
	Setup string `mapstructure:"setup"`

	Server   ServerConfig   `mapstructure:"server"`
	Client   ClientConfig   `mapstructure:"client"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Conflict ConflictConfig `mapstructure:"conflict"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig configures rowsync serve.
type ServerConfig struct {
	Listen        string        `mapstructure:"listen"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// RedisURL switches the session store from memory to Redis
	RedisURL string `mapstructure:"redis_url"`

	Compress  bool  `mapstructure:"compress"`
	MaxBodyMB int64 `mapstructure:"max_body_mb"`
}

// ClientConfig configures rowsync sync and watch.
type ClientConfig struct {
	// URL is the server base URL. Empty means no remote server.
	URL      string        `mapstructure:"url"`
	Compress bool          `mapstructure:"compress"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// Parameters are the filter values sent with every session
	Parameters map[string]interface{} `mapstructure:"parameters"`

	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`

	// Interval is the period of rowsync watch; zero disables the timer
	Interval time.Duration `mapstructure:"interval"`

	// Debounce coalesces database file events in rowsync watch
	Debounce time.Duration `mapstructure:"debounce"`
}

// BatchConfig maps onto batch.Options.
type BatchConfig struct {
	MaxPartSizeKB int    `mapstructure:"max_part_size_kb"`
	InMemory      bool   `mapstructure:"in_memory"`
	Directory     string `mapstructure:"directory"`
}

// ConflictConfig names the conflict policies.
type ConflictConfig struct {
	// Policy applies to every conflict type without an override
	Policy string `mapstructure:"policy"`

	// Overrides maps a conflict type ("update-delete") to a policy
	Overrides map[string]string `mapstructure:"overrides"`
}

// LogConfig enables file logging with rotation.
type LogConfig struct {
	// File is the log file; empty logs to stderr
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Provider: "sqlite",
		DSN:      "rowsync.db",
		Scope:    "default",
		Server: ServerConfig{
			Listen:        ":8080",
			SessionTTL:    orchestrator.DefaultSessionTTL,
			SweepInterval: time.Minute,
			MaxBodyMB:     64,
		},
		Client: ClientConfig{
			Timeout:       60 * time.Second,
			RetryAttempts: 3,
			RetryBackoff:  200 * time.Millisecond,
			Interval:      5 * time.Minute,
			Debounce:      2 * time.Second,
		},
		Batch: BatchConfig{
			MaxPartSizeKB: 512,
			InMemory:      true,
		},
		Conflict: ConflictConfig{
			Policy: conflict.ServerWins.String(),
		},
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("provider", d.Provider)
	v.SetDefault("dsn", d.DSN)
	v.SetDefault("scope", d.Scope)
	v.SetDefault("setup", d.Setup)

	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.session_ttl", d.Server.SessionTTL)
	v.SetDefault("server.sweep_interval", d.Server.SweepInterval)
	v.SetDefault("server.redis_url", d.Server.RedisURL)
	v.SetDefault("server.compress", d.Server.Compress)
	v.SetDefault("server.max_body_mb", d.Server.MaxBodyMB)

	v.SetDefault("client.url", d.Client.URL)
	v.SetDefault("client.compress", d.Client.Compress)
	v.SetDefault("client.timeout", d.Client.Timeout)
	v.SetDefault("client.retry_attempts", d.Client.RetryAttempts)
	v.SetDefault("client.retry_backoff", d.Client.RetryBackoff)
	v.SetDefault("client.interval", d.Client.Interval)
	v.SetDefault("client.debounce", d.Client.Debounce)

	v.SetDefault("batch.max_part_size_kb", d.Batch.MaxPartSizeKB)
	v.SetDefault("batch.in_memory", d.Batch.InMemory)
	v.SetDefault("batch.directory", d.Batch.Directory)

	v.SetDefault("conflict.policy", d.Conflict.Policy)

	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
}

// New returns a viper instance with defaults and environment overrides
// wired, reading path when set or searching for rowsync.{yaml,toml} in
// the working directory and ~/.rowsync otherwise.
func New(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("rowsync")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".rowsync"))
		}
	}
	return v
}

// Load reads the configuration. A missing file is only an error when path
// names it explicitly.
func Load(path string) (*Config, error) {
	return Decode(New(path), path != "")
}

// Decode reads the config file of v, if any, and decodes every setting.
func Decode(v *viper.Viper, requireFile bool) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if requireFile || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail deep inside a sync.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.DSN == "" {
		return fmt.Errorf("dsn is required")
	}
	if _, err := c.Resolver(conflict.SideClient); err != nil {
		return err
	}
	if c.Client.RetryAttempts < 1 {
		return fmt.Errorf("client.retry_attempts must be at least 1, got %d", c.Client.RetryAttempts)
	}
	return nil
}

// Resolver builds the conflict resolver for one side.
func (c *Config) Resolver(side conflict.Side) (*conflict.Resolver, error) {
	policy, err := conflict.ParsePolicy(c.Conflict.Policy)
	if err != nil {
		return nil, fmt.Errorf("conflict.policy: %w", err)
	}
	r := conflict.NewResolver(side, policy)
	for name, value := range c.Conflict.Overrides {
		t, err := conflict.ParseType(name)
		if err != nil {
			return nil, fmt.Errorf("conflict.overrides: %w", err)
		}
		p, err := conflict.ParsePolicy(value)
		if err != nil {
			return nil, fmt.Errorf("conflict.overrides.%s: %w", name, err)
		}
		if r.Overrides == nil {
			r.Overrides = make(map[conflict.Type]conflict.Policy)
		}
		r.Overrides[t] = p
	}
	return r, nil
}

// BatchOptions converts the batch section.
func (c *Config) BatchOptions() batch.Options {
	return batch.Options{
		MaxPartSizeKB: c.Batch.MaxPartSizeKB,
		InMemory:      c.Batch.InMemory,
		Directory:     c.Batch.Directory,
	}
}

// RetryPolicy converts the client retry settings.
func (c *Config) RetryPolicy() orchestrator.RetryPolicy {
	p := orchestrator.DefaultRetryPolicy()
	p.MaxAttempts = c.Client.RetryAttempts
	if c.Client.RetryBackoff > 0 {
		p.InitialBackoff = c.Client.RetryBackoff
	}
	return p
}
