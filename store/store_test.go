package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/gomigrate/provider"
)

type backendFactory func(t *testing.T) Store

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"bolt": func(t *testing.T) Store {
			s, err := NewBoltStore(filepath.Join(t.TempDir(), "state.db"), time.Second)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.sqlite"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func seedMigration(t *testing.T, s Store, id string, sizes ...int64) (*Migration, []*FileRecord) {
	t.Helper()
	m := &Migration{
		ID:             id,
		SourceCategory: CategoryAssets,
		TargetProvider: provider.KindLocal,
		TargetConfig:   provider.Config{LocalPath: "/srv/target"},
		AssetTypes:     []string{"images"},
		Status:         MigrationPending,
		StartedAt:      time.Now().UTC(),
		CanResume:      true,
		BatchSize:      DefaultBatchSize,
	}
	var files []*FileRecord
	for i, size := range sizes {
		m.TotalFiles++
		m.TotalBytes += size
		files = append(files, &FileRecord{
			MediaID:    fmt.Sprintf("media-%d", i),
			SourcePath: fmt.Sprintf("img/%03d.png", i),
			FileSize:   size,
			Status:     FilePending,
		})
	}
	require.NoError(t, s.CreateMigration(context.Background(), m, files, CheckpointOf(m, "")))
	return m, files
}

func TestStore_CreateAndGetMigration(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m, files := seedMigration(t, s, "mig-1", 10, 20, 30)

		got, err := s.GetMigration(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, MigrationPending, got.Status)
		assert.Equal(t, int64(3), got.TotalFiles)
		assert.Equal(t, int64(60), got.TotalBytes)
		assert.Equal(t, []string{"images"}, got.AssetTypes)
		assert.Equal(t, "/srv/target", got.TargetConfig.LocalPath)
		assert.True(t, got.CanResume)

		for _, f := range files {
			assert.NotEmpty(t, f.ID)
			assert.Equal(t, m.ID, f.MigrationID)
		}

		cp, err := s.GetCheckpoint(ctx, m.ID)
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Equal(t, int64(0), cp.ProcessedCount)

		err = s.CreateMigration(ctx, &Migration{ID: m.ID, Status: MigrationPending, StartedAt: time.Now()}, nil, nil)
		assert.ErrorIs(t, err, ErrMigrationExists)

		_, err = s.GetMigration(ctx, "missing")
		assert.ErrorIs(t, err, ErrMigrationNotFound)
	})
}

func TestStore_NextBatchIsFIFOAndBounded(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m, files := seedMigration(t, s, "mig-fifo", 1, 2, 3, 4, 5)

		batch, err := s.NextBatch(ctx, m.ID, 3, DefaultMaxAttempts)
		require.NoError(t, err)
		require.Len(t, batch, 3)
		for i, rec := range batch {
			assert.Equal(t, files[i].ID, rec.ID)
		}

		// Exhaust the first record's attempts.
		for i := 0; i < DefaultMaxAttempts; i++ {
			_, err := s.ClaimFile(ctx, m.ID, files[0].ID, DefaultMaxAttempts)
			require.NoError(t, err)
			_, err = s.FailFile(ctx, m.ID, files[0].ID, "boom")
			require.NoError(t, err)
		}

		batch, err = s.NextBatch(ctx, m.ID, 10, DefaultMaxAttempts)
		require.NoError(t, err)
		require.Len(t, batch, 4)
		assert.Equal(t, files[1].ID, batch[0].ID)

		_, err = s.ClaimFile(ctx, m.ID, files[0].ID, DefaultMaxAttempts)
		assert.ErrorIs(t, err, ErrFileNotEligible)

		_, err = s.NextBatch(ctx, "missing", 10, DefaultMaxAttempts)
		assert.ErrorIs(t, err, ErrMigrationNotFound)
	})
}

func TestStore_CountersTrackCurrentOutcomes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m, files := seedMigration(t, s, "mig-counters", 100, 200)

		claimed, err := s.ClaimFile(ctx, m.ID, files[0].ID, DefaultMaxAttempts)
		require.NoError(t, err)
		assert.Equal(t, FileTransferring, claimed.Status)
		assert.Equal(t, 1, claimed.AttemptCount)
		assert.NotNil(t, claimed.StartedAt)

		got, err := s.FailFile(ctx, m.ID, files[0].ID, "network down")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.FailedFiles)

		// Retrying a failed record takes it out of the failure tally.
		_, err = s.ClaimFile(ctx, m.ID, files[0].ID, DefaultMaxAttempts)
		require.NoError(t, err)
		got, err = s.GetMigration(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.FailedFiles)

		got, err = s.CompleteFile(ctx, m.ID, files[0].ID, "/srv/target/img/000.png")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.MigratedFiles)
		assert.Equal(t, int64(0), got.FailedFiles)
		assert.Equal(t, int64(100), got.TransferredBytes)
		assert.Equal(t, files[0].ID, got.LastProcessedFileID)

		_, err = s.ClaimFile(ctx, m.ID, files[1].ID, DefaultMaxAttempts)
		require.NoError(t, err)
		require.NoError(t, s.UpdateFileProgress(ctx, m.ID, files[1].ID, FileVerifying, 150))
		got, err = s.CompleteFile(ctx, m.ID, files[1].ID, "/srv/target/img/001.png")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.MigratedFiles)
		assert.Equal(t, int64(300), got.TransferredBytes)
		assert.LessOrEqual(t, got.MigratedFiles+got.FailedFiles, got.TotalFiles)
		assert.LessOrEqual(t, got.TransferredBytes, got.TotalBytes)

		completed, err := s.ListFiles(ctx, m.ID, FileCompleted)
		require.NoError(t, err)
		require.Len(t, completed, 2)
		assert.Equal(t, int64(100), completed[0].BytesTransferred)
		assert.Equal(t, "/srv/target/img/000.png", completed[0].TargetPath)
		assert.Empty(t, completed[0].LastError)
		assert.NotNil(t, completed[0].CompletedAt)
	})
}

func TestStore_CompletedRecordsAreFinal(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m, files := seedMigration(t, s, "mig-final", 10)

		_, err := s.ClaimFile(ctx, m.ID, files[0].ID, DefaultMaxAttempts)
		require.NoError(t, err)
		_, err = s.CompleteFile(ctx, m.ID, files[0].ID, "dst")
		require.NoError(t, err)

		_, err = s.FailFile(ctx, m.ID, files[0].ID, "late failure")
		assert.ErrorIs(t, err, ErrFileNotEligible)
		_, err = s.CompleteFile(ctx, m.ID, files[0].ID, "dst")
		assert.ErrorIs(t, err, ErrFileNotEligible)
		_, err = s.ClaimFile(ctx, m.ID, files[0].ID, DefaultMaxAttempts)
		assert.ErrorIs(t, err, ErrFileNotEligible)

		got, err := s.GetMigration(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.MigratedFiles)
		assert.Equal(t, int64(0), got.FailedFiles)

		_, err = s.ClaimFile(ctx, m.ID, "nope", DefaultMaxAttempts)
		assert.ErrorIs(t, err, ErrFileNotFound)
	})
}

func TestStore_TransitionMigrationIsCompareAndSet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m, _ := seedMigration(t, s, "mig-cas", 1)

		ok, err := s.TransitionMigration(ctx, m.ID, Transition{To: MigrationInProgress, From: []MigrationState{MigrationPending}})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.TransitionMigration(ctx, m.ID, Transition{To: MigrationInProgress, From: []MigrationState{MigrationPending}})
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.SetCurrentFile(ctx, m.ID, "", "img/000.png"))

		ok, err = s.TransitionMigration(ctx, m.ID, Transition{
			To:   MigrationCancelled,
			From: []MigrationState{MigrationPending, MigrationInProgress},
		})
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetMigration(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, MigrationCancelled, got.Status)
		assert.False(t, got.CanResume)
		assert.Empty(t, got.CurrentFile)
		require.NotNil(t, got.CompletedAt)

		// A runner finishing its batch cannot name a file on a stopped job.
		require.NoError(t, s.SetCurrentFile(ctx, m.ID, "f-late", "img/late.png"))
		got, err = s.GetMigration(ctx, m.ID)
		require.NoError(t, err)
		assert.Empty(t, got.CurrentFile)
		assert.NotEqual(t, "f-late", got.LastProcessedFileID)

		// Terminal states never move back.
		ok, err = s.TransitionMigration(ctx, m.ID, Transition{To: MigrationCompleted, From: []MigrationState{MigrationInProgress}})
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.TransitionMigration(ctx, "missing", Transition{To: MigrationPaused, From: []MigrationState{MigrationInProgress}})
		assert.ErrorIs(t, err, ErrMigrationNotFound)
	})
}

func TestStore_FailedTransitionKeepsReason(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m, _ := seedMigration(t, s, "mig-failed", 1)

		_, err := s.TransitionMigration(ctx, m.ID, Transition{To: MigrationInProgress, From: []MigrationState{MigrationPending}})
		require.NoError(t, err)
		ok, err := s.TransitionMigration(ctx, m.ID, Transition{
			To:    MigrationFailed,
			From:  []MigrationState{MigrationInProgress},
			Error: "ledger unavailable",
		})
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.GetMigration(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, "ledger unavailable", got.Error)
		assert.True(t, got.CanResume)

		// Resuming clears the error.
		ok, err = s.TransitionMigration(ctx, m.ID, Transition{To: MigrationInProgress, From: []MigrationState{MigrationFailed}})
		require.NoError(t, err)
		require.True(t, ok)
		got, err = s.GetMigration(ctx, m.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Error)
		assert.Nil(t, got.CompletedAt)
	})
}

func TestStore_ResetInFlight(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m, files := seedMigration(t, s, "mig-reset", 1, 2, 3)

		_, err := s.ClaimFile(ctx, m.ID, files[0].ID, DefaultMaxAttempts)
		require.NoError(t, err)
		_, err = s.ClaimFile(ctx, m.ID, files[1].ID, DefaultMaxAttempts)
		require.NoError(t, err)
		require.NoError(t, s.UpdateFileProgress(ctx, m.ID, files[1].ID, FileVerifying, 2))

		n, err := s.ResetInFlight(ctx, m.ID, "interrupted")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		failed, err := s.ListFiles(ctx, m.ID, FileFailed)
		require.NoError(t, err)
		require.Len(t, failed, 2)
		assert.Equal(t, "interrupted", failed[0].LastError)
		assert.Equal(t, 1, failed[0].AttemptCount)

		got, err := s.GetMigration(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.FailedFiles)

		n, err = s.ResetInFlight(ctx, m.ID, "interrupted")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestStore_RecoverInterrupted(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		running, _ := seedMigration(t, s, "mig-running", 1)
		idle, _ := seedMigration(t, s, "mig-idle", 1)

		_, err := s.TransitionMigration(ctx, running.ID, Transition{To: MigrationInProgress, From: []MigrationState{MigrationPending}})
		require.NoError(t, err)

		ids, err := s.RecoverInterrupted(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{running.ID}, ids)

		got, err := s.GetMigration(ctx, running.ID)
		require.NoError(t, err)
		assert.Equal(t, MigrationPaused, got.Status)
		assert.True(t, got.CanResume)

		got, err = s.GetMigration(ctx, idle.ID)
		require.NoError(t, err)
		assert.Equal(t, MigrationPending, got.Status)
	})
}

func TestStore_CheckpointUpsert(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m, files := seedMigration(t, s, "mig-cp", 5)

		_, err := s.ClaimFile(ctx, m.ID, files[0].ID, DefaultMaxAttempts)
		require.NoError(t, err)
		got, err := s.CompleteFile(ctx, m.ID, files[0].ID, "dst")
		require.NoError(t, err)
		require.NoError(t, s.SaveCheckpoint(ctx, CheckpointOf(got, files[0].ID)))

		cp, err := s.GetCheckpoint(ctx, m.ID)
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Equal(t, files[0].ID, cp.LastProcessedFileID)
		assert.Equal(t, int64(1), cp.ProcessedCount)
		assert.Equal(t, int64(5), cp.BytesTransferred)

		cp, err = s.GetCheckpoint(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, cp)

		err = s.SaveCheckpoint(ctx, &Checkpoint{MigrationID: "missing", Timestamp: time.Now()})
		assert.ErrorIs(t, err, ErrMigrationNotFound)
	})
}

func TestStore_ListMigrationsNewestFirst(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		old := &Migration{ID: "old", Status: MigrationPending, StartedAt: time.Now().Add(-time.Hour).UTC()}
		recent := &Migration{ID: "recent", Status: MigrationPending, StartedAt: time.Now().UTC()}
		require.NoError(t, s.CreateMigration(ctx, old, nil, nil))
		require.NoError(t, s.CreateMigration(ctx, recent, nil, nil))

		list, err := s.ListMigrations(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "recent", list[0].ID)
		assert.Equal(t, "old", list[1].ID)
	})
}

func TestStore_Configurations(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.GetConfiguration(ctx, CategoryThemes)
		assert.ErrorIs(t, err, ErrConfigurationNotFound)

		created, err := EnsureDefaultConfigurations(ctx, s, "/var/site")
		require.NoError(t, err)
		assert.Len(t, created, len(Categories()))

		cfg, err := s.GetConfiguration(ctx, CategoryThemes)
		require.NoError(t, err)
		assert.Equal(t, provider.KindLocal, cfg.Provider)
		assert.Equal(t, filepath.Join("/var/site", "themes"), cfg.Config.LocalPath)
		assert.True(t, cfg.IsActive)
		firstID := cfg.ID

		cfg.Provider = provider.KindS3
		cfg.Config = provider.Config{Bucket: "b", AccessKey: "a", SecretKey: "s"}
		require.NoError(t, s.SaveConfiguration(ctx, cfg))

		cfg, err = s.GetConfiguration(ctx, CategoryThemes)
		require.NoError(t, err)
		assert.Equal(t, provider.KindS3, cfg.Provider)
		assert.Equal(t, "b", cfg.Config.Bucket)
		assert.Equal(t, firstID, cfg.ID)

		created, err = EnsureDefaultConfigurations(ctx, s, "/var/site")
		require.NoError(t, err)
		assert.Empty(t, created)

		all, err := s.ListConfigurations(ctx)
		require.NoError(t, err)
		assert.Len(t, all, len(Categories()))
	})
}

func TestStore_CanceledContext(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		m, _ := seedMigration(t, s, "mig-ctx", 1)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := s.GetMigration(ctx, m.ID)
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	})
}

func TestOpen(t *testing.T) {
	for _, backend := range []Backend{BackendBolt, BackendSQLite} {
		s, err := Open(Options{Backend: backend, Dir: t.TempDir(), LockTimeout: time.Second})
		if err != nil {
			t.Fatalf("Open(%s) failed: %v", backend, err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("Close(%s) failed: %v", backend, err)
		}
	}

	if _, err := Open(Options{Backend: "etcd", Dir: t.TempDir()}); err == nil {
		t.Error("Expected error for unknown backend")
	}
	if _, err := Open(Options{}); err == nil {
		t.Error("Expected error for empty state directory")
	}
}

func TestSQLiteStore_SchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.sqlite")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = s.db.Exec("UPDATE schema_version SET version = ?", schemaVersion+1)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = NewSQLiteStore(path)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestBoltStore_Close(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test_close.db")

	store, err := NewBoltStore(dbPath, time.Second)
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Errorf("Failed to close store: %v", err)
	}

	// Re-open to verify it's not locked
	store2, err := NewBoltStore(dbPath, time.Second)
	if err != nil {
		t.Fatalf("Failed to re-open BoltStore: %v", err)
	}
	store2.Close()
}

func TestAcquireRunLock(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireRunLock(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run.lock"), lock.Path())

	_, err = AcquireRunLock(dir)
	assert.ErrorIs(t, err, ErrRunLocked)

	require.NoError(t, lock.Release())

	again, err := AcquireRunLock(dir)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}
