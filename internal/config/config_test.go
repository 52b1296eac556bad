package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 0.7, cfg.Bridging.ConfidenceThreshold)
	assert.Equal(t, 30, cfg.Bridging.RetentionDays)
	assert.Equal(t, 30*24*time.Hour, cfg.Bridging.Retention())
	assert.Equal(t, 10, cfg.Privacy.MinThreshold)
	assert.False(t, cfg.Privacy.DPEnabled)
	assert.False(t, cfg.Privacy.SamplingEnabled)
	assert.Equal(t, 10000, cfg.Privacy.SamplingRates["impression"])
	assert.Equal(t, 1.0, cfg.Bridging.PartialKeyWeights["hashedEmail"])
	assert.True(t, cfg.Capping.Enabled)
	assert.Equal(t, 5, cfg.Capping.Cap)
	assert.Equal(t, 24*time.Hour, cfg.Capping.Window)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
bridging:
  salt: "test-salt"
  confidence_threshold: 0.85
  retention_days: 7
privacy:
  dp_enabled: true
  noise_epsilon: 0.5
capping:
  cap: 3
  window: 1h
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test-salt", cfg.Bridging.Salt)
	assert.Equal(t, 0.85, cfg.Bridging.ConfidenceThreshold)
	assert.Equal(t, 7, cfg.Bridging.RetentionDays)
	assert.True(t, cfg.Privacy.DPEnabled)
	assert.Equal(t, 0.5, cfg.Privacy.NoiseEpsilon)
	assert.Equal(t, 3, cfg.Capping.Cap)
	assert.Equal(t, time.Hour, cfg.Capping.Window)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold above one", func(c *Config) { c.Bridging.ConfidenceThreshold = 1.5 }},
		{"threshold negative", func(c *Config) { c.Bridging.ConfidenceThreshold = -0.1 }},
		{"zero retention", func(c *Config) { c.Bridging.RetentionDays = 0 }},
		{"zero workers", func(c *Config) { c.Bridging.Workers = 0 }},
		{"zero epsilon", func(c *Config) { c.Privacy.NoiseEpsilon = 0 }},
		{"enabled capping without cap", func(c *Config) { c.Capping.Cap = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
