// Copyright 2026 The Traq Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Traq binaries.
//
// Configuration is loaded from a single YAML file specified by:
//   - the TRAQ_CONFIG environment variable, or
//   - the --config flag passed to the command.
//
// There are no fallbacks or automatic discovery. Every field has a
// default, so an empty file (or no file at all for the client) is a
// valid configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the build/deployment variant. It selects the
// socket name so a development daemon never collides with a production
// one on the same machine.
type Environment string

const (
	// Development is for local development builds.
	Development Environment = "development"
	// Production is for release builds.
	Production Environment = "production"
)

// Config is the master configuration for the Traq daemon and client.
type Config struct {
	// Environment selects the socket name variant (development,
	// production).
	Environment Environment `yaml:"environment"`

	// Data configures storage file locations.
	Data DataConfig `yaml:"data"`

	// Socket configures the IPC listener.
	Socket SocketConfig `yaml:"socket"`

	// Tracker configures session detection.
	Tracker TrackerConfig `yaml:"tracker"`

	// Batcher configures the persistence batcher.
	Batcher BatcherConfig `yaml:"batcher"`

	// Usage configures the read-side aggregation defaults.
	Usage UsageConfig `yaml:"usage"`
}

// DataConfig configures storage file locations.
type DataConfig struct {
	// Database is the SQLite database path. The parent directory is
	// created on daemon start. Default: ~/.local/share/traq/traq.db.
	Database string `yaml:"database"`

	// Snapshot is the open-session snapshot path, used to bound data
	// loss across daemon crashes. Default: alongside the database.
	Snapshot string `yaml:"snapshot"`
}

// SocketConfig configures the IPC listener.
type SocketConfig struct {
	// Path is the Unix socket path. When empty, a well-known path in
	// the shared temporary directory is used, with the environment
	// name as a suffix variant.
	Path string `yaml:"path"`
}

// TrackerConfig configures session detection.
type TrackerConfig struct {
	// IdleThresholdSeconds is how long without input before the user
	// counts as idle. Default 300.
	IdleThresholdSeconds int `yaml:"idle_threshold_seconds"`

	// SampleIntervalSeconds is the tracker tick interval. Default 1.
	SampleIntervalSeconds int `yaml:"sample_interval_seconds"`

	// LockIdentifiers lists foreground app identifiers that mean the
	// screen is locked. Seeing one is an immediate idle trigger.
	LockIdentifiers []string `yaml:"lock_identifiers"`

	// FocusProbe is the command that reports the foreground app and
	// input idle time, one line on stdout:
	// "identifier<TAB>display name<TAB>idle seconds".
	FocusProbe []string `yaml:"focus_probe"`

	// BrowserProbe is the command that reports the current browser
	// tab, one line on stdout: "domain" or "domain<TAB>favicon path".
	// Exit status 2 means no supported browser is frontmost (or the
	// window is private); that ends the website session without being
	// an error. Empty disables website tracking.
	BrowserProbe []string `yaml:"browser_probe"`
}

// BatcherConfig configures the persistence batcher.
type BatcherConfig struct {
	// FlushIntervalSeconds is the periodic flush interval. Default 30.
	FlushIntervalSeconds int `yaml:"flush_interval_seconds"`

	// ShutdownTimeoutSeconds bounds the final flush during shutdown.
	// Once it elapses, shutdown proceeds regardless. Default 2.
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`
}

// UsageConfig configures read-side aggregation defaults.
type UsageConfig struct {
	// TopPercentage is the default cutoff fraction of total usage time
	// included in a ranked summary. Default 0.8.
	TopPercentage float64 `yaml:"top_percentage"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Environment: Development,
		Data: DataConfig{
			Database: filepath.Join(dataDir, "traq.db"),
			Snapshot: filepath.Join(dataDir, "snapshot.cbor"),
		},
		Tracker: TrackerConfig{
			IdleThresholdSeconds:  300,
			SampleIntervalSeconds: 1,
			LockIdentifiers:       []string{"loginwindow"},
		},
		Batcher: BatcherConfig{
			FlushIntervalSeconds:   30,
			ShutdownTimeoutSeconds: 2,
		},
		Usage: UsageConfig{
			TopPercentage: 0.8,
		},
	}
}

// Load reads the configuration from the file named by TRAQ_CONFIG, or
// from flagPath when non-empty (the flag wins). When neither is set,
// Default() is returned.
func Load(flagPath string) (*Config, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv("TRAQ_CONFIG")
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile reads and validates the configuration file at path.
// Defaults apply to every field the file omits.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field ranges. Called by LoadFile; callers that build
// a Config in code (tests) should call it themselves.
func (c *Config) Validate() error {
	switch c.Environment {
	case Development, Production:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.Tracker.IdleThresholdSeconds <= 0 {
		return fmt.Errorf("tracker.idle_threshold_seconds must be positive, got %d", c.Tracker.IdleThresholdSeconds)
	}
	if c.Tracker.SampleIntervalSeconds <= 0 {
		return fmt.Errorf("tracker.sample_interval_seconds must be positive, got %d", c.Tracker.SampleIntervalSeconds)
	}
	if c.Batcher.FlushIntervalSeconds <= 0 {
		return fmt.Errorf("batcher.flush_interval_seconds must be positive, got %d", c.Batcher.FlushIntervalSeconds)
	}
	if c.Batcher.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("batcher.shutdown_timeout_seconds must be positive, got %d", c.Batcher.ShutdownTimeoutSeconds)
	}
	if c.Usage.TopPercentage <= 0 || c.Usage.TopPercentage > 1 {
		return fmt.Errorf("usage.top_percentage must be in (0, 1], got %g", c.Usage.TopPercentage)
	}
	return nil
}

// SocketPath returns the configured socket path, or the well-known
// default: a fixed name in the shared temporary directory, suffixed
// with the environment so build variants never share a socket.
func (c *Config) SocketPath() string {
	if c.Socket.Path != "" {
		return c.Socket.Path
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("traqd-%s.sock", c.Environment))
}

// IdleThreshold returns the idle threshold as a duration.
func (c *Config) IdleThreshold() time.Duration {
	return time.Duration(c.Tracker.IdleThresholdSeconds) * time.Second
}

// SampleInterval returns the tracker tick interval as a duration.
func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.Tracker.SampleIntervalSeconds) * time.Second
}

// FlushInterval returns the batcher flush interval as a duration.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Batcher.FlushIntervalSeconds) * time.Second
}

// ShutdownTimeout returns the bounded wait applied to the final flush.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Batcher.ShutdownTimeoutSeconds) * time.Second
}

// defaultDataDir resolves the per-user data directory, preferring
// XDG_DATA_HOME, falling back to ~/.local/share, then the temporary
// directory when no home is resolvable.
func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "traq")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "traq")
	}
	return filepath.Join(os.TempDir(), "traq")
}
