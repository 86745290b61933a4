// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

// Package config holds the coordination settings for the fleet engine.
//
// Settings are split in two: the static daemon Config read once at startup
// (addresses, database path, loop intervals) and the hot-reloadable Settings
// that govern circuit breaker and auto-disable behavior. Settings changes
// take effect without a restart, either through the config file watcher or
// the operator settings endpoint.
package config

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/mcpfleet/mcpfleet/pkg/logger"
)

// Settings are the hot-reloadable global coordination settings. Per-connection
// threshold overrides in the registry take precedence over these values.
type Settings struct {
	// Enabled controls whether health monitoring runs at all.
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// FailureThreshold is the number of consecutive failures before the
	// circuit opens. Must be >= 1.
	FailureThreshold int `json:"failure_threshold" mapstructure:"failure_threshold"`

	// TimeoutSeconds is how long an open circuit waits before probing
	// recovery. Must be >= 1.
	TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`

	// HalfOpenMaxCalls is the number of consecutive successful probes
	// required to close a half-open circuit. Must be >= 1.
	HalfOpenMaxCalls int `json:"half_open_max_calls" mapstructure:"half_open_max_calls"`

	// MaxFailureCycles is the number of completed open→half-open→open cycles
	// after which a connection is automatically disabled. Must be >= 1.
	MaxFailureCycles int `json:"max_failure_cycles" mapstructure:"max_failure_cycles"`

	// AutoDisableEnabled controls whether the cycle limit disables
	// connections automatically.
	AutoDisableEnabled bool `json:"auto_disable_enabled" mapstructure:"auto_disable_enabled"`
}

// DefaultSettings returns the recommended coordination settings.
func DefaultSettings() Settings {
	return Settings{
		Enabled:            true,
		FailureThreshold:   5,
		TimeoutSeconds:     60,
		HalfOpenMaxCalls:   1,
		MaxFailureCycles:   3,
		AutoDisableEnabled: true,
	}
}

// Validate checks the settings for internal consistency.
func (s Settings) Validate() error {
	if s.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be >= 1, got %d", s.FailureThreshold)
	}
	if s.TimeoutSeconds < 1 {
		return fmt.Errorf("timeout seconds must be >= 1, got %d", s.TimeoutSeconds)
	}
	if s.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("half-open max calls must be >= 1, got %d", s.HalfOpenMaxCalls)
	}
	if s.MaxFailureCycles < 1 {
		return fmt.Errorf("max failure cycles must be >= 1, got %d", s.MaxFailureCycles)
	}
	return nil
}

// OpenTimeout returns TimeoutSeconds as a duration.
func (s Settings) OpenTimeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Config is the static daemon configuration read once at startup.
type Config struct {
	// Address is the host:port the HTTP API binds to.
	Address string `mapstructure:"address"`

	// DatabasePath is the SQLite fleet registry location.
	DatabasePath string `mapstructure:"database_path"`

	// CheckInterval is the health monitor cadence.
	CheckInterval time.Duration `mapstructure:"check_interval"`

	// ReloadInterval is the registry reload cadence.
	ReloadInterval time.Duration `mapstructure:"reload_interval"`

	// ProbeTimeout bounds probes for connections without their own timeout.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`

	// ProbeWorkers bounds the number of concurrent probes.
	ProbeWorkers int `mapstructure:"probe_workers"`

	// Settings are the initial coordination settings.
	Settings Settings `mapstructure:"settings"`
}

// Default returns the daemon configuration defaults.
func Default() Config {
	return Config{
		Address:        "127.0.0.1:8090",
		DatabasePath:   "fleet.db",
		CheckInterval:  30 * time.Second,
		ReloadInterval: time.Minute,
		ProbeTimeout:   10 * time.Second,
		ProbeWorkers:   8,
		Settings:       DefaultSettings(),
	}
}

// Validate checks the daemon configuration.
func (c Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address must not be empty")
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check interval must be > 0, got %v", c.CheckInterval)
	}
	if c.ReloadInterval <= 0 {
		return fmt.Errorf("reload interval must be > 0, got %v", c.ReloadInterval)
	}
	if c.ProbeWorkers < 1 {
		return fmt.Errorf("probe workers must be >= 1, got %d", c.ProbeWorkers)
	}
	return c.Settings.Validate()
}

// Load reads the daemon configuration from viper, applying defaults for any
// unset key. Flags and environment bindings registered on v are respected.
func Load(v *viper.Viper) (Config, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Manager provides lock-free reads of the current Settings and serialized
// updates from the config file watcher and the operator settings endpoint.
type Manager struct {
	// mu serializes writers: concurrent operator updates and the file
	// watcher. Readers go through the atomic pointer and never take it.
	mu      sync.Mutex
	current atomic.Pointer[Settings]

	// onChange is invoked after every accepted update. Set once before the
	// watcher starts.
	onChange func(Settings)
}

// NewManager creates a settings manager seeded with s.
func NewManager(s Settings) (*Manager, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{}
	m.current.Store(&s)
	return m, nil
}

// Current returns the active settings snapshot.
func (m *Manager) Current() Settings {
	return *m.current.Load()
}

// OnChange registers a callback invoked after every accepted update.
func (m *Manager) OnChange(fn func(Settings)) {
	m.onChange = fn
}

// Update validates and swaps in new settings.
func (m *Manager) Update(s Settings) error {
	return m.Modify(func(current *Settings) error {
		*current = s
		return nil
	})
}

// Modify applies fn to a copy of the current settings and installs the result
// if it validates. The read-modify-write runs under the writer lock, so
// concurrent partial updates cannot lose each other's fields.
func (m *Manager) Modify(fn func(*Settings) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := *m.current.Load()
	if err := fn(&s); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	m.current.Store(&s)
	logger.Infow("coordination settings updated",
		"enabled", s.Enabled,
		"failure_threshold", s.FailureThreshold,
		"timeout_seconds", s.TimeoutSeconds,
		"half_open_max_calls", s.HalfOpenMaxCalls,
		"max_failure_cycles", s.MaxFailureCycles,
		"auto_disable_enabled", s.AutoDisableEnabled)
	if m.onChange != nil {
		m.onChange(s)
	}
	return nil
}

// Watch wires the manager to viper's config file watcher so that edits to the
// settings section take effect without a restart. Invalid settings are logged
// and the previous values stay active.
func (m *Manager) Watch(v *viper.Viper) {
	v.OnConfigChange(func(_ fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			logger.Errorf("settings reload rejected: %v", err)
			return
		}
		if err := m.Update(cfg.Settings); err != nil {
			logger.Errorf("settings reload rejected: %v", err)
		}
	})
	v.WatchConfig()
}
