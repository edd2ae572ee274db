package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/gomigrate/store"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)

	assert.Equal(t, "bolt", cfg.State.Backend)
	assert.Equal(t, 5*time.Second, cfg.State.LockTimeout)
	assert.Equal(t, store.DefaultBatchSize, cfg.Engine.BatchSize)
	assert.Equal(t, store.DefaultMaxAttempts, cfg.Engine.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Engine.TransferTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	opts := cfg.EngineOptions()
	assert.Equal(t, 1<<20, opts.BufferSize)
	assert.EqualValues(t, 10<<20, opts.Progress.BytesInterval)
	assert.Equal(t, 5*time.Second, opts.Progress.TimeInterval)
	assert.Equal(t, 5, opts.MaxCheckpointFailures)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, "gomigrate.yaml", `
state:
  backend: sqlite
  dir: /var/lib/gomigrate
engine:
  batch_size: 25
  transfer_timeout: 5m
  buffer_size: 4MiB
  verify_checksum: true
logging:
  level: debug
  format: console
`)

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, store.Options{Backend: store.BackendSQLite, Dir: "/var/lib/gomigrate", LockTimeout: 5 * time.Second}, cfg.StoreOptions())
	assert.Equal(t, 25, cfg.Engine.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.Engine.TransferTimeout)
	assert.True(t, cfg.Engine.VerifyChecksum)
	assert.Equal(t, 4<<20, cfg.EngineOptions().BufferSize)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "gomigrate.toml", "[engine]\nbatch_size = 25\n")
	t.Setenv("GOMIGRATE_ENGINE_BATCH_SIZE", "7")
	t.Setenv("GOMIGRATE_STATE_BACKEND", "sqlite")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Engine.BatchSize)
	assert.Equal(t, "sqlite", cfg.State.Backend)
}

func TestLoad_EnvFile(t *testing.T) {
	const key = "GOMIGRATE_ENGINE_MAX_CHECKPOINT_FAILURES"
	t.Cleanup(func() { os.Unsetenv(key) })
	envFile := writeFile(t, ".env", key+"=9\n")

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Engine.MaxCheckpointFailures)

	// A missing .env file is not an error.
	_, err = Load("", filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("", "")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.State.Backend = "postgres" }},
		{"empty state dir", func(c *Config) { c.State.Dir = "" }},
		{"zero batch size", func(c *Config) { c.Engine.BatchSize = 0 }},
		{"too many attempts", func(c *Config) { c.Engine.MaxAttempts = 11 }},
		{"zero attempts", func(c *Config) { c.Engine.MaxAttempts = 0 }},
		{"zero transfer timeout", func(c *Config) { c.Engine.TransferTimeout = 0 }},
		{"bad buffer size", func(c *Config) { c.Engine.BufferSize = "lots" }},
		{"zero progress interval", func(c *Config) { c.Engine.ProgressBytesInterval = "0B" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, valid().Validate())
}
