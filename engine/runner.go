package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/franksops/gomigrate/store"
)

// interruptedReason is recorded on records a previous runner left in flight.
const interruptedReason = "interrupted before completion"

// runner drives one migration through its ledger, one batch at a time.
// All of its state lives in the ledger, so a new runner can pick up where
// any previous one stopped.
type runner struct {
	id        string
	store     store.Store
	transport Transport
	opts      Options
	batchSize int
	cp        *checkpointer
	log       *zap.Logger
}

// run is the body of a migration's background goroutine. ctx is cancelled
// on shutdown; ledger writes and transfers run detached from it so the
// current file always reaches an outcome.
func (m *Manager) run(ctx context.Context, id string) {
	log := m.log.With(zap.String("migration_id", id))
	work := context.WithoutCancel(ctx)

	r := &runner{
		id:    id,
		store: m.store,
		opts:  m.opts,
		cp:    newCheckpointer(m.store, m.opts.MaxCheckpointFailures, log),
		log:   log,
	}

	if _, err := m.store.TransitionMigration(work, id, store.Transition{
		To:   store.MigrationInProgress,
		From: []store.MigrationState{store.MigrationPending},
	}); err != nil {
		r.fail(work, fmt.Errorf("failed to claim migration: %w", err))
		return
	}

	mig, err := m.store.GetMigration(work, id)
	if err != nil {
		r.fail(work, fmt.Errorf("failed to load migration: %w", err))
		return
	}
	if mig.Status != store.MigrationInProgress {
		log.Info("migration not runnable", zap.String("status", string(mig.Status)))
		return
	}

	r.batchSize = mig.BatchSize
	if r.batchSize <= 0 {
		r.batchSize = m.opts.BatchSize
	}

	source, err := m.store.GetConfiguration(work, mig.SourceCategory)
	if err != nil {
		r.fail(work, fmt.Errorf("failed to load source configuration: %w", err))
		return
	}
	t, err := m.transports(work, source, mig)
	if err != nil {
		r.fail(work, fmt.Errorf("failed to open transport: %w", err))
		return
	}
	defer func() {
		if err := t.Close(); err != nil {
			log.Warn("failed to close transport", zap.Error(err))
		}
	}()
	r.transport = t

	log.Info("runner started",
		zap.Int64("total_files", mig.TotalFiles),
		zap.Int64("migrated_files", mig.MigratedFiles),
		zap.Int("batch_size", r.batchSize))
	r.loop(ctx)
}

func (r *runner) loop(ctx context.Context) {
	work := context.WithoutCancel(ctx)

	n, err := r.store.ResetInFlight(work, r.id, interruptedReason)
	if err != nil {
		r.fail(work, fmt.Errorf("failed to reset interrupted records: %w", err))
		return
	}
	if n > 0 {
		r.log.Warn("reset interrupted records", zap.Int("count", n))
	}

	for batch := 1; ; batch++ {
		if ctx.Err() != nil {
			r.interrupt(work)
			return
		}

		mig, err := r.store.GetMigration(work, r.id)
		if err != nil {
			r.fail(work, fmt.Errorf("failed to read migration status: %w", err))
			return
		}
		if mig.Status != store.MigrationInProgress {
			r.log.Info("runner stopped", zap.String("status", string(mig.Status)), zap.Int("batch", batch))
			return
		}

		records, err := r.store.NextBatch(work, r.id, r.batchSize, r.opts.MaxAttempts)
		if err != nil {
			r.fail(work, fmt.Errorf("failed to fetch batch: %w", err))
			return
		}
		if len(records) == 0 {
			r.finish(work)
			return
		}
		r.log.Debug("processing batch", zap.Int("batch", batch), zap.Int("records", len(records)))

		for i, rec := range records {
			if i > 0 {
				if ctx.Err() != nil {
					r.interrupt(work)
					return
				}
				paused, err := r.paused(work)
				if err != nil {
					r.fail(work, err)
					return
				}
				if paused {
					r.log.Info("runner paused", zap.Int("batch", batch))
					return
				}
			}
			if err := r.process(work, rec); err != nil {
				r.fail(work, err)
				return
			}
		}
	}
}

// paused reports whether the job was paused since the batch started.
// Cancellation is only observed between batches.
func (r *runner) paused(ctx context.Context) (bool, error) {
	mig, err := r.store.GetMigration(ctx, r.id)
	if err != nil {
		return false, fmt.Errorf("failed to read migration status: %w", err)
	}
	return mig.Status == store.MigrationPaused, nil
}

// process attempts one record and records its outcome. The returned error
// is an orchestration failure; transfer errors are recorded on the record.
func (r *runner) process(ctx context.Context, rec *store.FileRecord) error {
	claimed, err := r.store.ClaimFile(ctx, r.id, rec.ID, r.opts.MaxAttempts)
	if errors.Is(err, store.ErrFileNotEligible) {
		r.log.Debug("record no longer eligible", zap.String("file_id", rec.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to claim %s: %w", rec.SourcePath, err)
	}
	if err := r.store.SetCurrentFile(ctx, r.id, claimed.ID, claimed.SourcePath); err != nil {
		return fmt.Errorf("failed to set current file: %w", err)
	}

	reporter := &ledgerReporter{
		ctx:         ctx,
		ledger:      r.store,
		migrationID: r.id,
		fileID:      claimed.ID,
		log:         r.log,
	}
	tctx, cancel := context.WithTimeout(ctx, r.opts.TransferTimeout)
	target, terr := r.transport.Transfer(tctx, transferJobOf(claimed), reporter)
	cancel()

	var mig *store.Migration
	if terr == nil {
		mig, err = r.store.CompleteFile(ctx, r.id, claimed.ID, target)
	} else {
		r.log.Warn("transfer failed",
			zap.String("path", claimed.SourcePath),
			zap.Int("attempt", claimed.AttemptCount),
			zap.Error(terr))
		mig, err = r.store.FailFile(ctx, r.id, claimed.ID, terr.Error())
	}
	if err != nil {
		return fmt.Errorf("failed to record outcome of %s: %w", claimed.SourcePath, err)
	}

	return r.cp.save(ctx, store.CheckpointOf(mig, claimed.ID))
}

// finish completes the job once no eligible record remains, whether or not
// some records failed permanently.
func (r *runner) finish(ctx context.Context) {
	ok, err := r.store.TransitionMigration(ctx, r.id, store.Transition{
		To:   store.MigrationCompleted,
		From: []store.MigrationState{store.MigrationInProgress},
	})
	if err != nil {
		r.log.Error("failed to complete migration", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	if mig, err := r.store.GetMigration(ctx, r.id); err == nil {
		r.log.Info("migration completed",
			zap.Int64("migrated_files", mig.MigratedFiles),
			zap.Int64("failed_files", mig.FailedFiles),
			zap.Int64("transferred_bytes", mig.TransferredBytes))
	}
}

// interrupt pauses the job for a process shutdown.
func (r *runner) interrupt(ctx context.Context) {
	ok, err := r.store.TransitionMigration(ctx, r.id, store.Transition{
		To:   store.MigrationPaused,
		From: []store.MigrationState{store.MigrationInProgress},
	})
	if err != nil {
		r.log.Error("failed to pause migration on shutdown", zap.Error(err))
		return
	}
	if ok {
		r.log.Info("migration paused on shutdown")
	}
}

// fail marks the job failed after an orchestration error. A job the runner
// could not claim is still pending and fails from there, so Resume can
// pick it up.
func (r *runner) fail(ctx context.Context, cause error) {
	r.log.Error("migration failed", zap.Error(cause))
	_, err := r.store.TransitionMigration(ctx, r.id, store.Transition{
		To:    store.MigrationFailed,
		From:  []store.MigrationState{store.MigrationPending, store.MigrationInProgress},
		Error: cause.Error(),
	})
	if err != nil {
		r.log.Error("failed to record migration failure", zap.Error(err))
	}
}
