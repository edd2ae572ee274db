package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/franksops/gomigrate/provider"
)

var (
	// ErrMigrationNotFound is returned when a migration is not found in the ledger.
	ErrMigrationNotFound = errors.New("migration not found")

	// ErrFileNotFound is returned when a transfer record is not found.
	ErrFileNotFound = errors.New("file record not found")

	// ErrConfigurationNotFound is returned when a category has no storage configuration.
	ErrConfigurationNotFound = errors.New("storage configuration not found")

	// ErrFileNotEligible is returned when a record cannot take the requested
	// transition, for example claiming a completed record.
	ErrFileNotEligible = errors.New("file record not eligible")

	// ErrMigrationExists is returned when creating a migration whose id is taken.
	ErrMigrationExists = errors.New("migration already exists")

	// ErrStateBusy is returned when another process holds the state database
	// open past the lock timeout.
	ErrStateBusy = errors.New("state database is in use by another process")
)

// Ledger is the durable, authoritative record of migrations and their
// per-file transfer state. Every method is safe for concurrent use across
// migrations; callers serialize writes within one migration.
type Ledger interface {
	// CreateMigration inserts the migration, its file records and the initial
	// checkpoint atomically. Records are ordered by their position in files.
	CreateMigration(ctx context.Context, m *Migration, files []*FileRecord, cp *Checkpoint) error
	GetMigration(ctx context.Context, id string) (*Migration, error)
	ListMigrations(ctx context.Context) ([]*Migration, error)

	// TransitionMigration applies t if the current status is in t.From and
	// reports whether it did.
	TransitionMigration(ctx context.Context, id string, t Transition) (bool, error)

	// SetCurrentFile names the file being transferred. It is a no-op unless
	// the migration is in progress.
	SetCurrentFile(ctx context.Context, id, fileID, path string) error

	// RecoverInterrupted pauses every in-progress migration. Only the process
	// owning the run lock may call it.
	RecoverInterrupted(ctx context.Context) ([]string, error)

	// NextBatch returns up to limit eligible records in creation order.
	NextBatch(ctx context.Context, migrationID string, limit, maxAttempts int) ([]*FileRecord, error)
	// ClaimFile moves an eligible record to transferring and counts the attempt.
	ClaimFile(ctx context.Context, migrationID, fileID string, maxAttempts int) (*FileRecord, error)
	UpdateFileProgress(ctx context.Context, migrationID, fileID string, status FileState, bytes int64) error
	CompleteFile(ctx context.Context, migrationID, fileID, targetPath string) (*Migration, error)
	FailFile(ctx context.Context, migrationID, fileID, reason string) (*Migration, error)
	// ResetInFlight fails records left transferring or verifying by a runner
	// that did not finish them.
	ResetInFlight(ctx context.Context, migrationID, reason string) (int, error)
	// ListFiles returns records in creation order; an empty status lists all.
	ListFiles(ctx context.Context, migrationID string, status FileState) ([]*FileRecord, error)
}

// CheckpointStore keeps one progress snapshot per migration.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	// GetCheckpoint returns nil without error when no checkpoint exists.
	GetCheckpoint(ctx context.Context, migrationID string) (*Checkpoint, error)
}

// ConfigurationStore keeps the active storage configuration per category.
type ConfigurationStore interface {
	SaveConfiguration(ctx context.Context, cfg *StorageConfiguration) error
	GetConfiguration(ctx context.Context, category Category) (*StorageConfiguration, error)
	ListConfigurations(ctx context.Context) ([]*StorageConfiguration, error)
}

// Store bundles every persistence concern of the engine.
type Store interface {
	Ledger
	CheckpointStore
	ConfigurationStore
	Close() error
}

// Backend names a Store implementation.
type Backend string

const (
	BackendBolt   Backend = "bolt"
	BackendSQLite Backend = "sqlite"
)

// Options configures Open.
type Options struct {
	Backend     Backend
	Dir         string
	LockTimeout time.Duration
}

// Open creates the state directory and opens the configured backend.
func Open(opts Options) (Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	switch opts.Backend {
	case BackendBolt, "":
		s, err := NewBoltStore(filepath.Join(opts.Dir, "state.db"), opts.LockTimeout)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendSQLite:
		s, err := NewSQLiteStore(filepath.Join(opts.Dir, "state.sqlite"))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", opts.Backend)
	}
}

// EnsureDefaultConfigurations stores a local configuration rooted at
// root/<category> for every category that has none.
func EnsureDefaultConfigurations(ctx context.Context, s ConfigurationStore, root string) ([]*StorageConfiguration, error) {
	var created []*StorageConfiguration
	for _, category := range allCategories {
		_, err := s.GetConfiguration(ctx, category)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrConfigurationNotFound) {
			return created, err
		}
		cfg := &StorageConfiguration{
			Category: category,
			Provider: provider.KindLocal,
		}
		cfg.Config.LocalPath = filepath.Join(root, string(category))
		if err := s.SaveConfiguration(ctx, cfg); err != nil {
			return created, fmt.Errorf("save default %s configuration: %w", category, err)
		}
		created = append(created, cfg)
	}
	return created, nil
}

// sortMigrations orders migrations newest first.
func sortMigrations(ms []*Migration) {
	sort.SliceStable(ms, func(i, j int) bool {
		if !ms[i].StartedAt.Equal(ms[j].StartedAt) {
			return ms[i].StartedAt.After(ms[j].StartedAt)
		}
		return ms[i].ID < ms[j].ID
	})
}
