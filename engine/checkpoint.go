package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/franksops/gomigrate/store"
)

// checkpointer saves a runner's checkpoints. A failed write is logged and
// skipped; only a run of max consecutive failures is reported.
type checkpointer struct {
	store    store.CheckpointStore
	max      int
	failures int
	log      *zap.Logger
}

func newCheckpointer(s store.CheckpointStore, max int, log *zap.Logger) *checkpointer {
	if max <= 0 {
		max = 1
	}
	return &checkpointer{store: s, max: max, log: log}
}

func (c *checkpointer) save(ctx context.Context, cp *store.Checkpoint) error {
	err := c.store.SaveCheckpoint(ctx, cp)
	if err == nil {
		c.failures = 0
		return nil
	}

	c.failures++
	c.log.Warn("checkpoint write failed",
		zap.String("last_processed_file_id", cp.LastProcessedFileID),
		zap.Int("consecutive_failures", c.failures),
		zap.Error(err))
	if c.failures >= c.max {
		return fmt.Errorf("checkpoint write failed %d consecutive times: %w", c.failures, err)
	}
	return nil
}
