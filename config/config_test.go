package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 44444, cfg.Port)
	assert.Equal(t, 500, cfg.DelayOnInputMS)
	assert.Equal(t, 100, cfg.LossyDataQueueCapacity)
	assert.Equal(t, 100, cfg.WaitInitDeviceMS)
	assert.Equal(t, 1000, cfg.ForwardLogIntervalMS)
	assert.Equal(t, "INFO", cfg.LogForwardingLevel)
	assert.Equal(t, "2.10.4", cfg.MinClientVersion)
	assert.False(t, cfg.IsReadOnly)
	assert.Equal(t, 10, cfg.TimeoutSeconds)
	assert.Equal(t, 5, cfg.NetworkPerformance.SampleIntervalSec)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guigate.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
port = 12345
is_read_only = true
ignore_timeout_classes = ["Macro", "MetaMacro"]

[throttler]
cycle_interval_ms = 250
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12345, cfg.Port)
	assert.True(t, cfg.IsReadOnly)
	assert.Equal(t, []string{"Macro", "MetaMacro"}, cfg.IgnoreTimeoutClasses)
	assert.Equal(t, 250, cfg.Throttler.CycleIntervalMS)
	// Unset keys keep their defaults.
	assert.Equal(t, 100, cfg.LossyDataQueueCapacity)
}

func TestValidateRanges(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"delay on input too small", func(c *Config) { c.DelayOnInputMS = 100 }},
		{"lossy capacity zero", func(c *Config) { c.LossyDataQueueCapacity = 0 }},
		{"lossy capacity too large", func(c *Config) { c.LossyDataQueueCapacity = 1001 }},
		{"property interval negative", func(c *Config) { c.PropertyUpdateIntervalMS = -1 }},
		{"property interval too large", func(c *Config) { c.PropertyUpdateIntervalMS = 10001 }},
		{"init wait too fast", func(c *Config) { c.WaitInitDeviceMS = 50 }},
		{"init wait too slow", func(c *Config) { c.WaitInitDeviceMS = 6000 }},
		{"log interval too fast", func(c *Config) { c.ForwardLogIntervalMS = 100 }},
		{"bad log level", func(c *Config) { c.LogForwardingLevel = "TRACE" }},
		{"zero timeout", func(c *Config) { c.TimeoutSeconds = 0 }},
		{"sample interval zero", func(c *Config) { c.NetworkPerformance.SampleIntervalSec = 0 }},
		{"throttler interval zero", func(c *Config) { c.Throttler.CycleIntervalMS = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}
