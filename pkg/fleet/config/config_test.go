// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Default().Validate())
	assert.NoError(t, DefaultSettings().Validate())
}

func TestSettingsValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"zero failure threshold", func(s *Settings) { s.FailureThreshold = 0 }},
		{"negative timeout", func(s *Settings) { s.TimeoutSeconds = -5 }},
		{"zero half-open calls", func(s *Settings) { s.HalfOpenMaxCalls = 0 }},
		{"zero max cycles", func(s *Settings) { s.MaxFailureCycles = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := DefaultSettings()
			tt.mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Address = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.CheckInterval = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.ProbeWorkers = 0
	assert.Error(t, cfg.Validate())
}

func TestOpenTimeout(t *testing.T) {
	t.Parallel()

	s := DefaultSettings()
	s.TimeoutSeconds = 90
	assert.Equal(t, 90*time.Second, s.OpenTimeout())
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	t.Parallel()

	v := viper.New()
	v.Set("address", "0.0.0.0:9999")
	v.Set("settings.failure_threshold", 7)

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9999", cfg.Address)
	assert.Equal(t, 7, cfg.Settings.FailureThreshold)
	// Untouched keys keep their defaults.
	assert.Equal(t, Default().CheckInterval, cfg.CheckInterval)
	assert.Equal(t, DefaultSettings().MaxFailureCycles, cfg.Settings.MaxFailureCycles)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	v := viper.New()
	v.Set("settings.failure_threshold", 0)

	_, err := Load(v)
	assert.Error(t, err)
}

func TestManagerUpdateAndCallback(t *testing.T) {
	t.Parallel()

	mgr, err := NewManager(DefaultSettings())
	require.NoError(t, err)

	var notified []Settings
	mgr.OnChange(func(s Settings) { notified = append(notified, s) })

	next := DefaultSettings()
	next.FailureThreshold = 9
	require.NoError(t, mgr.Update(next))

	assert.Equal(t, 9, mgr.Current().FailureThreshold)
	require.Len(t, notified, 1)
	assert.Equal(t, 9, notified[0].FailureThreshold)
}

func TestManagerRejectsInvalidUpdate(t *testing.T) {
	t.Parallel()

	mgr, err := NewManager(DefaultSettings())
	require.NoError(t, err)

	bad := DefaultSettings()
	bad.MaxFailureCycles = 0
	require.Error(t, mgr.Update(bad))

	assert.Equal(t, DefaultSettings(), mgr.Current())
}

func TestManagerModifyRejectsInvalidResult(t *testing.T) {
	t.Parallel()

	mgr, err := NewManager(DefaultSettings())
	require.NoError(t, err)

	err = mgr.Modify(func(s *Settings) error {
		s.HalfOpenMaxCalls = 0
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, DefaultSettings(), mgr.Current())
}

func TestManagerConcurrentModifiesLoseNoFields(t *testing.T) {
	t.Parallel()

	mgr, err := NewManager(DefaultSettings())
	require.NoError(t, err)

	const rounds = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_ = mgr.Modify(func(s *Settings) error {
				s.FailureThreshold++
				return nil
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_ = mgr.Modify(func(s *Settings) error {
				s.TimeoutSeconds++
				return nil
			})
		}
	}()
	wg.Wait()

	// Each writer touched a different field; neither update may be lost to
	// the other's read-modify-write.
	current := mgr.Current()
	assert.Equal(t, DefaultSettings().FailureThreshold+rounds, current.FailureThreshold)
	assert.Equal(t, DefaultSettings().TimeoutSeconds+rounds, current.TimeoutSeconds)
}

func TestNewManagerRejectsInvalidSettings(t *testing.T) {
	t.Parallel()

	bad := DefaultSettings()
	bad.FailureThreshold = 0
	_, err := NewManager(bad)
	assert.Error(t, err)
}
