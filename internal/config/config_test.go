package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	return filepath.Join(dir, appName)
}

func TestLoad_Defaults(t *testing.T) {
	configDir := isolate(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "connections", cfg.General.Section)
	assert.Equal(t, ",", cfg.General.Delimiter)
	assert.Equal(t, SourceFile, cfg.Source.Kind)
	assert.Equal(t, filepath.Join(configDir, "connections.yaml"), cfg.Source.File)
	assert.Equal(t, BackendTCP, cfg.Backend.Kind)
	assert.Equal(t, 2000, cfg.Backend.DialTimeoutMs)
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, filepath.Join(configDir, "history.db"), cfg.History.Path)
	assert.False(t, cfg.API.Enabled)
}

func TestLoadFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "vizconn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
general:
  section: tools
  delimiter: ";"
source:
  kind: redis
  redis_url: redis://cache:6379/1
backend:
  kind: postgres
  dial_timeout_ms: 500
history:
  enabled: false
api:
  enabled: true
  listen: ":8080"
`), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "tools", cfg.General.Section)
	assert.Equal(t, ";", cfg.General.Delimiter)
	assert.Equal(t, SourceRedis, cfg.Source.Kind)
	assert.Equal(t, "redis://cache:6379/1", cfg.Source.RedisURL)
	assert.Equal(t, "vizconn", cfg.Source.RedisPrefix)
	assert.Equal(t, BackendPostgres, cfg.Backend.Kind)
	assert.Equal(t, 500, cfg.Backend.DialTimeoutMs)
	assert.False(t, cfg.History.Enabled)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, ":8080", cfg.API.Listen)
}

func TestLoadFile_Missing(t *testing.T) {
	isolate(t)
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverride(t *testing.T) {
	isolate(t)
	t.Setenv("VIZCONN_GENERAL_SECTION", "fromenv")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "fromenv", cfg.General.Section)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty section", func(c *Config) { c.General.Section = " " }},
		{"empty delimiter", func(c *Config) { c.General.Delimiter = "" }},
		{"unknown source", func(c *Config) { c.Source.Kind = "etcd" }},
		{"unknown backend", func(c *Config) { c.Backend.Kind = "udp" }},
		{"negative timeout", func(c *Config) { c.Backend.DialTimeoutMs = -1 }},
		{"api without listen", func(c *Config) { c.API.Enabled = true; c.API.Listen = "" }},
	}

	assert.NoError(t, GetDefaults().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
