package engine

import (
	"time"

	"github.com/franksops/gomigrate/provider"
	"github.com/franksops/gomigrate/store"
)

// StartRequest asks the engine to move one category of assets to a target
// provider.
type StartRequest struct {
	SourceCategory   string
	TargetProvider   string
	TargetConfig     provider.Config
	AssetTypes       []string
	UpdateReferences bool

	// BatchSize overrides Options.BatchSize when positive.
	BatchSize int
}

// TransferJob represents a single file transfer operation from the source
// category to the target provider.
type TransferJob struct {
	MigrationID string
	FileID      string

	// SourcePath is the file path to read from the source provider.
	SourcePath string

	// DestinationPath is the file path to write to the target provider.
	DestinationPath string

	// Size is the inventoried size; the copied byte count must match it.
	Size int64
}

func transferJobOf(rec *store.FileRecord) TransferJob {
	return TransferJob{
		MigrationID:     rec.MigrationID,
		FileID:          rec.ID,
		SourcePath:      rec.SourcePath,
		DestinationPath: rec.SourcePath,
		Size:            rec.FileSize,
	}
}

// Options tunes the runners started by a Manager.
type Options struct {
	BatchSize   int
	MaxAttempts int

	// TransferTimeout bounds a single Transport call.
	TransferTimeout time.Duration

	// MaxCheckpointFailures is the number of consecutive failed checkpoint
	// writes tolerated before the job fails.
	MaxCheckpointFailures int

	BufferSize     int
	VerifyChecksum bool
	Progress       ProgressConfig
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:             store.DefaultBatchSize,
		MaxAttempts:           store.DefaultMaxAttempts,
		TransferTimeout:       30 * time.Minute,
		MaxCheckpointFailures: 5,
		BufferSize:            DefaultBufferSize,
		Progress:              DefaultProgressConfig,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.TransferTimeout <= 0 {
		o.TransferTimeout = d.TransferTimeout
	}
	if o.MaxCheckpointFailures <= 0 {
		o.MaxCheckpointFailures = d.MaxCheckpointFailures
	}
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	if o.Progress.BytesInterval <= 0 {
		o.Progress.BytesInterval = d.Progress.BytesInterval
	}
	if o.Progress.TimeInterval <= 0 {
		o.Progress.TimeInterval = d.Progress.TimeInterval
	}
	return o
}
