package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tradeflow/internal/engine"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, validateConfig(cfg))
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, engine.DefaultParallelism, cfg.Parallelism)
	assert.Equal(t, engine.DefaultMarkerTTL, cfg.MarkerTTL)
}

func TestLoadSettingsMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := loadSettings(filepath.Join(t.TempDir(), "settings.json"), defaultConfig())
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
}

func TestLoadSettingsOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"store": "redis://localhost:6379/2",
		"log_format": "json",
		"parallelism": 16,
		"marker_ttl": "90m"
	}`), 0o600))

	cfg, err := loadSettings(path, defaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379/2", cfg.Store)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel, "unset keys keep their default")
	assert.Equal(t, 16, cfg.Parallelism)
	assert.Equal(t, 90*time.Minute, cfg.MarkerTTL)
}

func TestLoadSettingsRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"store": `), 0o600))
	_, err := loadSettings(bad, defaultConfig())
	require.Error(t, err)

	ttl := filepath.Join(dir, "ttl.json")
	require.NoError(t, os.WriteFile(ttl, []byte(`{"marker_ttl": "a while"}`), 0o600))
	_, err = loadSettings(ttl, defaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marker_ttl")
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown store", func(c *Config) { c.Store = "postgres://db" }, "Store"},
		{"empty libsql", func(c *Config) { c.Store = "libsql:" }, "Store"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "LogLevel"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "LogFormat"},
		{"zero parallelism", func(c *Config) { c.Parallelism = 0 }, "Parallelism"},
		{"negative ttl", func(c *Config) { c.MarkerTTL = -time.Second }, "MarkerTTL"},
		{"bad metrics addr", func(c *Config) { c.MetricsAddr = "not an address" }, "MetricsAddr"},
		{"missing quotes file", func(c *Config) { c.QuotesFile = "/does/not/exist.json" }, "QuotesFile"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)
			err := validateConfig(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestParseStoreURL(t *testing.T) {
	u, err := parseStoreURL("memory")
	require.NoError(t, err)
	assert.Equal(t, storeMemory, u.kind)

	u, err = parseStoreURL("rediss://user:pw@cache:6380/1")
	require.NoError(t, err)
	assert.Equal(t, storeRedis, u.kind)
	assert.Equal(t, "rediss://user:pw@cache:6380/1", u.dsn)

	u, err = parseStoreURL("libsql:file:/var/lib/tradeflow/state.db")
	require.NoError(t, err)
	assert.Equal(t, storeLibSQL, u.kind)
	assert.Equal(t, "file:/var/lib/tradeflow/state.db", u.dsn)

	_, err = parseStoreURL("s3://bucket")
	require.Error(t, err)
}
