// Package config loads gmigrate settings from a config file, GOMIGRATE_*
// environment variables and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/franksops/gomigrate/engine"
	"github.com/franksops/gomigrate/store"
)

// EnvPrefix prefixes every environment override, e.g. GOMIGRATE_ENGINE_BATCH_SIZE.
const EnvPrefix = "GOMIGRATE"

type Config struct {
	State   StateConfig   `mapstructure:"state"`
	Storage StorageConfig `mapstructure:"storage"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type StateConfig struct {
	Backend     string        `mapstructure:"backend"`
	Dir         string        `mapstructure:"dir"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// StorageConfig holds defaults for category storage configurations.
type StorageConfig struct {
	// Root is where `storage init` places the default local directory of
	// each category.
	Root string `mapstructure:"root"`
}

type EngineConfig struct {
	BatchSize             int           `mapstructure:"batch_size"`
	MaxAttempts           int           `mapstructure:"max_attempts"`
	TransferTimeout       time.Duration `mapstructure:"transfer_timeout"`
	MaxCheckpointFailures int           `mapstructure:"max_checkpoint_failures"`
	BufferSize            string        `mapstructure:"buffer_size"`
	VerifyChecksum        bool          `mapstructure:"verify_checksum"`
	ProgressBytesInterval string        `mapstructure:"progress_bytes_interval"`
	ProgressTimeInterval  time.Duration `mapstructure:"progress_time_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state.backend", string(store.BackendBolt))
	v.SetDefault("state.dir", "./.gomigrate-state")
	v.SetDefault("state.lock_timeout", 5*time.Second)

	v.SetDefault("storage.root", "./content")

	v.SetDefault("engine.batch_size", store.DefaultBatchSize)
	v.SetDefault("engine.max_attempts", store.DefaultMaxAttempts)
	v.SetDefault("engine.transfer_timeout", 30*time.Minute)
	v.SetDefault("engine.max_checkpoint_failures", 5)
	v.SetDefault("engine.buffer_size", "1MiB")
	v.SetDefault("engine.verify_checksum", false)
	v.SetDefault("engine.progress_bytes_interval", "10MiB")
	v.SetDefault("engine.progress_time_interval", 5*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
}

// Load reads configPath (or ./gomigrate.{yaml,toml,json} when empty),
// applies environment overrides and validates the result. envFile, when
// set and present, is loaded into the environment first; variables that
// are already set win.
func Load(configPath, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("gomigrate")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
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

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	switch store.Backend(c.State.Backend) {
	case store.BackendBolt, store.BackendSQLite:
	default:
		return fmt.Errorf("state.backend: unknown backend %q", c.State.Backend)
	}
	if c.State.Dir == "" {
		return errors.New("state.dir is required")
	}
	if c.Engine.BatchSize <= 0 {
		return fmt.Errorf("engine.batch_size must be positive, got %d", c.Engine.BatchSize)
	}
	if c.Engine.MaxAttempts < 1 || c.Engine.MaxAttempts > 10 {
		return fmt.Errorf("engine.max_attempts must be between 1 and 10, got %d", c.Engine.MaxAttempts)
	}
	if c.Engine.TransferTimeout <= 0 {
		return fmt.Errorf("engine.transfer_timeout must be positive, got %s", c.Engine.TransferTimeout)
	}
	if c.Engine.MaxCheckpointFailures <= 0 {
		return fmt.Errorf("engine.max_checkpoint_failures must be positive, got %d", c.Engine.MaxCheckpointFailures)
	}
	if _, err := parseSize("engine.buffer_size", c.Engine.BufferSize); err != nil {
		return err
	}
	if _, err := parseSize("engine.progress_bytes_interval", c.Engine.ProgressBytesInterval); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}
	return nil
}

func parseSize(key, s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return int64(n), nil
}

// StoreOptions returns the options for store.Open.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Backend:     store.Backend(c.State.Backend),
		Dir:         c.State.Dir,
		LockTimeout: c.State.LockTimeout,
	}
}

// EngineOptions converts the engine section. It assumes Validate passed.
func (c *Config) EngineOptions() engine.Options {
	bufferSize, _ := parseSize("engine.buffer_size", c.Engine.BufferSize)
	progressBytes, _ := parseSize("engine.progress_bytes_interval", c.Engine.ProgressBytesInterval)
	return engine.Options{
		BatchSize:             c.Engine.BatchSize,
		MaxAttempts:           c.Engine.MaxAttempts,
		TransferTimeout:       c.Engine.TransferTimeout,
		MaxCheckpointFailures: c.Engine.MaxCheckpointFailures,
		BufferSize:            int(bufferSize),
		VerifyChecksum:        c.Engine.VerifyChecksum,
		Progress: engine.ProgressConfig{
			BytesInterval: progressBytes,
			TimeInterval:  c.Engine.ProgressTimeInterval,
		},
	}
}
