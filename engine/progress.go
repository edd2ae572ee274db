package engine

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/franksops/gomigrate/store"
)

// ProgressConfig defines when a running transfer reports its byte count.
type ProgressConfig struct {
	// BytesInterval triggers a report after this many bytes have been transferred
	BytesInterval int64
	// TimeInterval triggers a report after this much time has passed
	TimeInterval time.Duration
}

// DefaultProgressConfig provides reasonable defaults for progress reporting
var DefaultProgressConfig = ProgressConfig{
	BytesInterval: 10 * 1024 * 1024, // 10 MB
	TimeInterval:  5 * time.Second,
}

// Reporter receives the progress of one transfer.
type Reporter interface {
	// Progress is called with the bytes copied so far.
	Progress(bytes int64)
	// Verifying is called once the copy finished and the target is being checked.
	Verifying(bytes int64)
}

type nopReporter struct{}

func (nopReporter) Progress(int64)  {}
func (nopReporter) Verifying(int64) {}

// TrackedWriter wraps an io.Writer to track bytes written and report progress
type TrackedWriter struct {
	io.Writer
	reporter Reporter
	config   ProgressConfig

	mu           sync.Mutex
	bytesWritten int64
	lastReport   int64
	lastReportT  time.Time
}

// NewTrackedWriter creates a new TrackedWriter
func NewTrackedWriter(w io.Writer, r Reporter, config ProgressConfig) *TrackedWriter {
	if r == nil {
		r = nopReporter{}
	}
	return &TrackedWriter{
		Writer:      w,
		reporter:    r,
		config:      config,
		lastReportT: time.Now(),
	}
}

// Write implements io.Writer and reports progress
func (tw *TrackedWriter) Write(p []byte) (int, error) {
	n, err := tw.Writer.Write(p)
	if n > 0 {
		tw.mu.Lock()
		tw.bytesWritten += int64(n)

		needsReport := false
		if tw.config.BytesInterval > 0 && tw.bytesWritten-tw.lastReport >= tw.config.BytesInterval {
			needsReport = true
		} else if tw.config.TimeInterval > 0 && time.Since(tw.lastReportT) >= tw.config.TimeInterval {
			needsReport = true
		}

		currentBytes := tw.bytesWritten
		if needsReport {
			tw.lastReport = currentBytes
			tw.lastReportT = time.Now()
		}
		tw.mu.Unlock()

		if needsReport {
			tw.reporter.Progress(currentBytes)
		}
	}
	return n, err
}

// BytesWritten returns the total number of bytes written
func (tw *TrackedWriter) BytesWritten() int64 {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.bytesWritten
}

// ledgerReporter records progress on the file record being transferred.
// Progress writes are advisory; failures are logged and dropped.
type ledgerReporter struct {
	ctx         context.Context
	ledger      store.Ledger
	migrationID string
	fileID      string
	log         *zap.Logger
}

func (r *ledgerReporter) Progress(bytes int64) {
	r.update(store.FileTransferring, bytes)
}

func (r *ledgerReporter) Verifying(bytes int64) {
	r.update(store.FileVerifying, bytes)
}

func (r *ledgerReporter) update(status store.FileState, bytes int64) {
	if err := r.ledger.UpdateFileProgress(r.ctx, r.migrationID, r.fileID, status, bytes); err != nil {
		r.log.Debug("progress update dropped",
			zap.String("file_id", r.fileID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}
