// Package engine runs storage migrations: it inventories a source category,
// records one ledger entry per file and moves the files in bounded,
// resumable batches.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/franksops/gomigrate/inventory"
	"github.com/franksops/gomigrate/provider"
	"github.com/franksops/gomigrate/store"
)

// SourceFactory opens the inventory of a configured source category.
type SourceFactory func(ctx context.Context, cfg *store.StorageConfiguration) (inventory.Source, error)

// Manager is the job control surface: it starts, inspects, cancels, pauses
// and resumes migrations, and owns their background runners.
type Manager struct {
	store      store.Store
	opts       Options
	log        *zap.Logger
	sources    SourceFactory
	transports TransportFactory
	runners    *runnerSet
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithSourceFactory replaces the provider-backed inventory.
func WithSourceFactory(f SourceFactory) ManagerOption {
	return func(m *Manager) { m.sources = f }
}

// WithTransportFactory replaces the provider-backed transport.
func WithTransportFactory(f TransportFactory) ManagerOption {
	return func(m *Manager) { m.transports = f }
}

// NewManager creates a Manager over st. Runners stop when ctx is cancelled
// or Shutdown is called.
func NewManager(ctx context.Context, st store.Store, opts Options, log *zap.Logger, options ...ManagerOption) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		store:   st,
		opts:    opts.withDefaults(),
		log:     log.Named("engine"),
		runners: newRunnerSet(ctx),
	}
	m.sources = func(ctx context.Context, cfg *store.StorageConfiguration) (inventory.Source, error) {
		src, err := inventory.Open(ctx, string(cfg.Category), cfg.Provider, cfg.Config)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	m.transports = func(ctx context.Context, source *store.StorageConfiguration, mig *store.Migration) (Transport, error) {
		t, err := OpenProviderTransport(ctx, source, mig, m.opts)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Start validates req, inventories the source category, persists the job
// with one pending record per file and launches its runner. Validation
// failures wrap ErrValidation and persist nothing.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*store.Migration, error) {
	mig, filter, err := m.newMigration(req)
	if err != nil {
		return nil, err
	}

	source, err := m.store.GetConfiguration(ctx, mig.SourceCategory)
	if errors.Is(err, store.ErrConfigurationNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, mig.SourceCategory)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load source configuration: %w", err)
	}

	items, err := m.inventory(ctx, source, filter)
	if err != nil {
		return nil, err
	}

	files := make([]*store.FileRecord, 0, len(items))
	for _, item := range items {
		files = append(files, &store.FileRecord{
			ID:         uuid.NewString(),
			MediaID:    item.ID,
			SourcePath: item.Path,
			FileSize:   item.Size,
			Status:     store.FilePending,
		})
		mig.TotalBytes += item.Size
	}
	mig.TotalFiles = int64(len(files))

	if err := m.store.CreateMigration(ctx, mig, files, store.CheckpointOf(mig, "")); err != nil {
		return nil, fmt.Errorf("failed to create migration: %w", err)
	}
	m.log.Info("migration created",
		zap.String("migration_id", mig.ID),
		zap.String("category", string(mig.SourceCategory)),
		zap.String("target", string(mig.TargetProvider)),
		zap.Int64("total_files", mig.TotalFiles),
		zap.Int64("total_bytes", mig.TotalBytes))

	if err := m.launch(mig.ID, nil); err != nil {
		return mig.Clone(), fmt.Errorf("migration %s created but not started: %w", mig.ID, err)
	}
	return mig.Clone(), nil
}

func (m *Manager) newMigration(req StartRequest) (*store.Migration, inventory.Filter, error) {
	category, err := store.ParseCategory(req.SourceCategory)
	if err != nil {
		return nil, inventory.Filter{}, fmt.Errorf("%w: %q", ErrUnknownCategory, req.SourceCategory)
	}
	kind, err := provider.ParseKind(req.TargetProvider)
	if err != nil {
		return nil, inventory.Filter{}, fmt.Errorf("%w: %q", ErrUnsupportedProvider, req.TargetProvider)
	}
	if err := req.TargetConfig.Validate(kind); err != nil {
		return nil, inventory.Filter{}, fmt.Errorf("%w: %w", ErrMissingTargetField, err)
	}
	if !kind.Transferable() {
		return nil, inventory.Filter{}, fmt.Errorf("%w: %s has no transfer backend", ErrUnsupportedProvider, kind)
	}
	filter, err := inventory.NewFilter(req.AssetTypes)
	if err != nil {
		return nil, inventory.Filter{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.BatchSize < 0 {
		return nil, inventory.Filter{}, fmt.Errorf("%w: batch size %d", ErrInvalidRequest, req.BatchSize)
	}

	batchSize := req.BatchSize
	if batchSize == 0 {
		batchSize = m.opts.BatchSize
	}
	return &store.Migration{
		ID:               uuid.NewString(),
		SourceCategory:   category,
		TargetProvider:   kind,
		TargetConfig:     req.TargetConfig,
		AssetTypes:       append([]string(nil), req.AssetTypes...),
		UpdateReferences: req.UpdateReferences,
		Status:           store.MigrationPending,
		StartedAt:        time.Now().UTC(),
		BatchSize:        batchSize,
	}, filter, nil
}

func (m *Manager) inventory(ctx context.Context, cfg *store.StorageConfiguration, filter inventory.Filter) ([]inventory.Item, error) {
	src, err := m.sources(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s inventory: %w", cfg.Category, err)
	}
	defer src.Close()

	items, err := src.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s inventory: %w", cfg.Category, err)
	}
	return items, nil
}

func (m *Manager) launch(id string, prepare func() error) error {
	return m.runners.start(id, prepare, func(ctx context.Context) {
		m.run(ctx, id)
	})
}

// Status returns a snapshot of the migration.
func (m *Manager) Status(ctx context.Context, id string) (*store.Migration, error) {
	return m.store.GetMigration(ctx, id)
}

// List returns every migration, newest first.
func (m *Manager) List(ctx context.Context) ([]*store.Migration, error) {
	return m.store.ListMigrations(ctx)
}

// Cancel stops a pending or running migration. A running batch finishes
// first; no new batch starts. It reports whether the job was cancelled.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := m.store.TransitionMigration(ctx, id, store.Transition{
		To:   store.MigrationCancelled,
		From: []store.MigrationState{store.MigrationPending, store.MigrationInProgress},
	})
	if err != nil {
		return false, err
	}
	if ok {
		m.log.Info("migration cancelled", zap.String("migration_id", id))
	}
	return ok, nil
}

// Pause stops a running migration at the next file boundary, leaving it
// resumable. It reports whether the job was paused.
func (m *Manager) Pause(ctx context.Context, id string) (bool, error) {
	ok, err := m.store.TransitionMigration(ctx, id, store.Transition{
		To:   store.MigrationPaused,
		From: []store.MigrationState{store.MigrationInProgress},
	})
	if err != nil {
		return false, err
	}
	if ok {
		m.log.Info("migration paused", zap.String("migration_id", id))
	}
	return ok, nil
}

// Resume relaunches a paused or failed migration. The new runner picks up
// exactly the records the ledger still holds as eligible.
func (m *Manager) Resume(ctx context.Context, id string) (*store.Migration, error) {
	mig, err := m.store.GetMigration(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := resumable(mig); err != nil {
		return nil, err
	}

	err = m.launch(id, func() error {
		ok, err := m.store.TransitionMigration(ctx, id, store.Transition{
			To:   store.MigrationInProgress,
			From: []store.MigrationState{store.MigrationPaused, store.MigrationFailed},
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: status changed concurrently", ErrNotResumable)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("migration resumed", zap.String("migration_id", id))
	return m.store.GetMigration(ctx, id)
}

func resumable(mig *store.Migration) error {
	if !mig.CanResume {
		return fmt.Errorf("%w: %s is %s", ErrNotResumable, mig.ID, mig.Status)
	}
	if mig.Status != store.MigrationPaused && mig.Status != store.MigrationFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotResumable, mig.ID, mig.Status)
	}
	return nil
}

// Files lists the migration's records, optionally filtered by status.
func (m *Manager) Files(ctx context.Context, id string, status store.FileState) ([]*store.FileRecord, error) {
	if _, err := m.store.GetMigration(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListFiles(ctx, id, status)
}

// Checkpoint returns the latest checkpoint, or nil when none was written.
func (m *Manager) Checkpoint(ctx context.Context, id string) (*store.Checkpoint, error) {
	if _, err := m.store.GetMigration(ctx, id); err != nil {
		return nil, err
	}
	return m.store.GetCheckpoint(ctx, id)
}

// Running lists the migrations with an active runner in this process.
func (m *Manager) Running() []string {
	return m.runners.active()
}

// Wait blocks until the runner of id exits. It returns immediately when no
// runner is active.
func (m *Manager) Wait(ctx context.Context, id string) error {
	done := m.runners.done(id)
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover pauses migrations left running by a previous process. The caller
// must hold the run lock of the state directory.
func (m *Manager) Recover(ctx context.Context) ([]string, error) {
	ids, err := m.store.RecoverInterrupted(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover interrupted migrations: %w", err)
	}
	for _, id := range ids {
		m.log.Warn("paused interrupted migration", zap.String("migration_id", id))
	}
	return ids, nil
}

// Shutdown stops all runners at their next file boundary, leaving their
// jobs paused, and waits for them to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.runners.stop(ctx)
}
