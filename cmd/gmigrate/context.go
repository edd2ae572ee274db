package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/franksops/gomigrate/config"
	"github.com/franksops/gomigrate/engine"
	"github.com/franksops/gomigrate/logging"
	"github.com/franksops/gomigrate/store"
)

type commandContext struct {
	configFlag *string
	envFlag    *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *zap.Logger
	loggerErr  error
}

func newCommandContext(configFlag, envFlag *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		envFlag:    envFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path, envFile string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		if c.envFlag != nil {
			envFile = strings.TrimSpace(*c.envFlag)
		}
		c.config, c.configErr = config.Load(path, envFile)
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureLogger() (*zap.Logger, error) {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.loggerErr = err
			return
		}
		c.logger, c.loggerErr = logging.New(cfg.Logging)
	})
	return c.logger, c.loggerErr
}

func defaultLogFile(stateDir string) string {
	return filepath.Join(stateDir, "gmigrate.log")
}

// withStore opens the state store for the duration of fn.
func (c *commandContext) withStore(fn func(*config.Config, store.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.StoreOptions())
	if err != nil {
		if errors.Is(err, store.ErrStateBusy) {
			return fmt.Errorf("%w; switch state.backend to sqlite to control running migrations from another shell", err)
		}
		return err
	}
	defer st.Close()
	return fn(cfg, st)
}

// withManager gives fn a Manager that is not allowed to run migrations.
// It serves the read-only and status-changing commands.
func (c *commandContext) withManager(ctx context.Context, fn func(*engine.Manager) error) error {
	log, err := c.ensureLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	return c.withStore(func(cfg *config.Config, st store.Store) error {
		mgr := engine.NewManager(ctx, st, cfg.EngineOptions(), log)
		defer mgr.Shutdown(context.Background())
		return fn(mgr)
	})
}

// withEngine holds the run lock of the state directory, pauses migrations
// a previous process left running and gives fn a Manager that may run
// migrations. Runners still active when fn returns are paused.
func (c *commandContext) withEngine(ctx context.Context, fn func(*engine.Manager) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	log, err := c.ensureLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	lock, err := store.AcquireRunLock(cfg.State.Dir)
	if err != nil {
		return err
	}
	defer lock.Release()

	return c.withStore(func(cfg *config.Config, st store.Store) error {
		mgr := engine.NewManager(ctx, st, cfg.EngineOptions(), log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.TransferTimeout+time.Minute)
			defer cancel()
			if err := mgr.Shutdown(shutdownCtx); err != nil {
				log.Warn("runners did not stop in time", zap.Error(err))
			}
		}()

		if _, err := mgr.Recover(ctx); err != nil {
			return err
		}
		return fn(mgr)
	})
}
