// Package config loads engine configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/recsync/recsync"
	"github.com/recsync/recsync/connectivity"
	syncErrors "github.com/recsync/recsync/errors"
	"github.com/recsync/recsync/logging"
	"github.com/recsync/recsync/remote/httpremote"
	"github.com/recsync/recsync/remote/wsremote"
	"github.com/recsync/recsync/storage/sqlite"
)

// Config is the complete on-disk configuration.
type Config struct {
	Sync     SyncConfig     `json:"sync,omitempty" yaml:"sync,omitempty"`
	Probe    ProbeConfig    `json:"probe,omitempty" yaml:"probe,omitempty"`
	Queue    QueueConfig    `json:"queue,omitempty" yaml:"queue,omitempty"`
	Remote   RemoteConfig   `json:"remote,omitempty" yaml:"remote,omitempty"`
	Listener ListenerConfig `json:"listener,omitempty" yaml:"listener,omitempty"`
	Logging  LoggingConfig  `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// Duration is a time.Duration that reads from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\"")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SyncConfig controls the drain orchestrator.
type SyncConfig struct {
	Interval   Duration      `json:"interval,omitempty" yaml:"interval,omitempty"`
	BatchSize  int           `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Backoff    BackoffConfig `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

// BackoffConfig controls the retry delay curve.
type BackoffConfig struct {
	Initial    Duration `json:"initial,omitempty" yaml:"initial,omitempty"`
	Max        Duration `json:"max,omitempty" yaml:"max,omitempty"`
	Multiplier float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}

// ProbeConfig controls the connectivity probe.
type ProbeConfig struct {
	Interval Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	Timeout  Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	PingURL  string   `json:"ping_url,omitempty" yaml:"ping_url,omitempty"`
}

// QueueConfig controls the durable operation store.
type QueueConfig struct {
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`
	Capacity int    `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	WAL      *bool  `json:"wal,omitempty" yaml:"wal,omitempty"`
}

// RemoteConfig controls the HTTP remote store client.
type RemoteConfig struct {
	URL     string   `json:"url,omitempty" yaml:"url,omitempty"`
	Token   string   `json:"token,omitempty" yaml:"token,omitempty"`
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ListenerConfig controls the change-stream listener.
type ListenerConfig struct {
	Tables []string `json:"tables,omitempty" yaml:"tables,omitempty"`
	URL    string   `json:"url,omitempty" yaml:"url,omitempty"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	Level      string `json:"level,omitempty" yaml:"level,omitempty"`
	Format     string `json:"format,omitempty" yaml:"format,omitempty"`
	File       string `json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty" yaml:"max_backups,omitempty"`
}

// Load reads and validates a YAML configuration file. A missing path
// returns the zero config, which is fully usable through defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, syncErrors.New(syncErrors.OpLoad, fmt.Errorf("read config: %w", err))
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpLoad,
			fmt.Errorf("parse config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the engine cannot run with. Zero values are
// allowed everywhere; they resolve to defaults downstream.
func (c *Config) Validate() error {
	if c.Sync.Interval < 0 {
		return validationf("sync.interval must not be negative")
	}
	if c.Sync.BatchSize < 0 {
		return validationf("sync.batch_size must not be negative")
	}
	if c.Sync.MaxRetries < 0 {
		return validationf("sync.max_retries must not be negative")
	}
	if m := c.Sync.Backoff.Multiplier; m != 0 && m <= 1 {
		return validationf("sync.backoff.multiplier must be greater than 1")
	}
	if c.Probe.Interval < 0 || c.Probe.Timeout < 0 {
		return validationf("probe intervals must not be negative")
	}
	if c.Queue.Capacity < 0 {
		return validationf("queue.capacity must not be negative")
	}
	if len(c.Listener.Tables) > 0 && c.Listener.URL == "" {
		return validationf("listener.url is required when listener.tables is set")
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return validationf("logging.format must be json or text")
	}
	return nil
}

func validationf(format string, args ...interface{}) error {
	return syncErrors.NewValidationError(syncErrors.OpLoad, fmt.Errorf(format, args...))
}

// Engine converts the file config into the engine's configuration.
func (c *Config) Engine() recsync.EngineConfig {
	wal := true
	if c.Queue.WAL != nil {
		wal = *c.Queue.WAL
	}
	pingURL := c.Probe.PingURL
	if pingURL == "" {
		pingURL = c.Remote.URL
	}
	return recsync.EngineConfig{
		Sync: recsync.Config{
			SyncInterval: c.Sync.Interval.Std(),
			BatchSize:    c.Sync.BatchSize,
			MaxRetries:   c.Sync.MaxRetries,
			Backoff: recsync.BackoffConfig{
				Initial:    c.Sync.Backoff.Initial.Std(),
				Max:        c.Sync.Backoff.Max.Std(),
				Multiplier: c.Sync.Backoff.Multiplier,
			},
		},
		Probe: connectivity.Config{
			Interval: c.Probe.Interval.Std(),
			Timeout:  c.Probe.Timeout.Std(),
			PingURL:  pingURL,
		},
		Queue: sqlite.Config{
			Path:      c.Queue.Path,
			Capacity:  c.Queue.Capacity,
			EnableWAL: wal,
		},
		Tables: c.Listener.Tables,
	}
}

// Logger converts the logging section into the logging package's config.
func (c *Config) Logger() logging.Config {
	return logging.Config{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
	}
}

// RemoteStore converts the remote section into the HTTP store's config.
func (c *Config) RemoteStore() httpremote.Config {
	return httpremote.Config{
		BaseURL: c.Remote.URL,
		Token:   c.Remote.Token,
		Timeout: c.Remote.Timeout.Std(),
	}
}

// Feed converts the listener section into the websocket feed's config.
func (c *Config) Feed() wsremote.Config {
	return wsremote.Config{URL: c.Listener.URL}
}
