package engine

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/franksops/gomigrate/store"
)

func TestTrackedWriter_BytesInterval(t *testing.T) {
	r := &recordingReporter{}
	config := ProgressConfig{
		BytesInterval: 10,
		TimeInterval:  time.Hour,
	}

	buf := new(bytes.Buffer)
	tw := NewTrackedWriter(buf, r, config)

	// Write 5 bytes, shouldn't trigger a report (interval=10)
	n, err := tw.Write([]byte("12345"))
	if err != nil || n != 5 {
		t.Fatalf("Write failed: n=%d err=%v", n, err)
	}
	if len(r.progress) != 0 {
		t.Errorf("Expected no report yet, got %v", r.progress)
	}

	// Write 6 more bytes (total 11) - should trigger a report based on bytes
	n, err = tw.Write([]byte("678901"))
	if err != nil || n != 6 {
		t.Fatalf("Write failed: n=%d err=%v", n, err)
	}
	if len(r.progress) != 1 || r.progress[0] != 11 {
		t.Errorf("Expected a report at 11 bytes, got %v", r.progress)
	}

	if tw.BytesWritten() != 11 {
		t.Errorf("Expected 11 bytes written, got %d", tw.BytesWritten())
	}
	if buf.String() != "12345678901" {
		t.Errorf("Unexpected buffer contents %q", buf.String())
	}
}

func TestTrackedWriter_TimeInterval(t *testing.T) {
	r := &recordingReporter{}
	tw := NewTrackedWriter(new(bytes.Buffer), r, ProgressConfig{
		BytesInterval: 1 << 30,
		TimeInterval:  time.Millisecond,
	})

	time.Sleep(5 * time.Millisecond)
	if _, err := tw.Write([]byte("x")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if len(r.progress) != 1 {
		t.Errorf("Expected a time-based report, got %v", r.progress)
	}
}

func TestTrackedWriter_NilReporter(t *testing.T) {
	tw := NewTrackedWriter(new(bytes.Buffer), nil, ProgressConfig{BytesInterval: 1})
	if _, err := tw.Write([]byte("abc")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func TestLedgerReporter(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	mig := &store.Migration{ID: "m1", SourceCategory: store.CategoryAssets, Status: store.MigrationPending, TotalFiles: 1}
	files := []*store.FileRecord{{SourcePath: "a.png", FileSize: 100}}
	require.NoError(t, st.CreateMigration(ctx, mig, files, nil))

	r := &ledgerReporter{ctx: ctx, ledger: st, migrationID: "m1", fileID: files[0].ID, log: zap.NewNop()}

	// Not claimed yet: the update is dropped.
	r.Progress(10)
	recs, err := st.ListFiles(ctx, "m1", "")
	require.NoError(t, err)
	assert.Equal(t, store.FilePending, recs[0].Status)
	assert.EqualValues(t, 0, recs[0].BytesTransferred)

	_, err = st.ClaimFile(ctx, "m1", files[0].ID, store.DefaultMaxAttempts)
	require.NoError(t, err)

	r.Progress(40)
	recs, err = st.ListFiles(ctx, "m1", "")
	require.NoError(t, err)
	assert.Equal(t, store.FileTransferring, recs[0].Status)
	assert.EqualValues(t, 40, recs[0].BytesTransferred)

	r.Verifying(100)
	recs, err = st.ListFiles(ctx, "m1", store.FileVerifying)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.EqualValues(t, 100, recs[0].BytesTransferred)
}
