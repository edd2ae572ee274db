// Package logging builds the process logger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/franksops/gomigrate/config"
)

// New builds a zap logger from cfg. Logs go to stderr unless cfg.File is
// set, in which case its directory is created.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(level)
	if cfg.Format == "console" {
		logConfig.Encoding = "console"
		logConfig.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory failed: %w", err)
		}
		logConfig.OutputPaths = []string{cfg.File}
		logConfig.ErrorOutputPaths = []string{cfg.File}
	}

	return logConfig.Build()
}
