package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/franksops/gomigrate/inventory"
	"github.com/franksops/gomigrate/provider"
	"github.com/franksops/gomigrate/store"
)

type fakeSource struct {
	items []inventory.Item
}

func (s *fakeSource) List(_ context.Context, f inventory.Filter) ([]inventory.Item, error) {
	var out []inventory.Item
	for _, item := range s.items {
		if f.Match(item.MIMEType) {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *fakeSource) Close() error { return nil }

// fakeTransport records every attempt. fail decides the outcome of an
// attempt; onCall runs before it with the 1-based attempt number.
type fakeTransport struct {
	mu     sync.Mutex
	calls  []string
	fail   func(job TransferJob) error
	onCall func(n int, job TransferJob)
}

func (t *fakeTransport) Transfer(_ context.Context, job TransferJob, r Reporter) (string, error) {
	t.mu.Lock()
	t.calls = append(t.calls, job.SourcePath)
	n := len(t.calls)
	t.mu.Unlock()

	if t.onCall != nil {
		t.onCall(n, job)
	}
	r.Progress(job.Size / 2)
	if t.fail != nil {
		if err := t.fail(job); err != nil {
			return "", err
		}
	}
	r.Verifying(job.Size)
	return "mem://" + job.DestinationPath, nil
}

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func (t *fakeTransport) count(path string) int {
	n := 0
	for _, c := range t.Calls() {
		if c == path {
			n++
		}
	}
	return n
}

// batchRecorder records the size of every batch a runner fetches.
type batchRecorder struct {
	store.Store
	mu    sync.Mutex
	sizes []int
}

func (b *batchRecorder) NextBatch(ctx context.Context, migrationID string, limit, maxAttempts int) ([]*store.FileRecord, error) {
	recs, err := b.Store.NextBatch(ctx, migrationID, limit, maxAttempts)
	if err == nil {
		b.mu.Lock()
		b.sizes = append(b.sizes, len(recs))
		b.mu.Unlock()
	}
	return recs, err
}

func (b *batchRecorder) Sizes() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.sizes...)
}

// flakyStore injects checkpoint and ledger failures.
type flakyStore struct {
	store.Store
	checkpointFailures atomic.Int32 // remaining failing SaveCheckpoint calls; <0 fails forever
	completeBroken     atomic.Bool
	claimBroken        atomic.Bool
}

// TransitionMigration fails the runner's Pending to InProgress claim while
// claimBroken is set.
func (f *flakyStore) TransitionMigration(ctx context.Context, id string, t store.Transition) (bool, error) {
	if f.claimBroken.Load() && t.To == store.MigrationInProgress && slices.Contains(t.From, store.MigrationPending) {
		return false, errors.New("ledger unreachable")
	}
	return f.Store.TransitionMigration(ctx, id, t)
}

func (f *flakyStore) SaveCheckpoint(ctx context.Context, cp *store.Checkpoint) error {
	n := f.checkpointFailures.Load()
	if n < 0 {
		return errors.New("checkpoint table locked")
	}
	if n > 0 {
		f.checkpointFailures.Add(-1)
		return errors.New("checkpoint table locked")
	}
	return f.Store.SaveCheckpoint(ctx, cp)
}

func (f *flakyStore) CompleteFile(ctx context.Context, migrationID, fileID, targetPath string) (*store.Migration, error) {
	if f.completeBroken.Load() {
		return nil, errors.New("ledger unreachable")
	}
	return f.Store.CompleteFile(ctx, migrationID, fileID, targetPath)
}

func testItems(n int) []inventory.Item {
	items := make([]inventory.Item, n)
	for i := range items {
		p := fmt.Sprintf("f%02d.png", i+1)
		items[i] = inventory.Item{
			ID:       inventory.ItemID("assets", p),
			Path:     p,
			Size:     100,
			MIMEType: "image/png",
		}
	}
	return items
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "state.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.SaveConfiguration(context.Background(), &store.StorageConfiguration{
		Category: store.CategoryAssets,
		Provider: provider.KindLocal,
		Config:   provider.Config{LocalPath: "/srv/assets"},
	}))
	return st
}

// newTestManager wires a Manager to fake inventory and transport.
func newTestManager(t *testing.T, st store.Store, opts Options, items []inventory.Item, tr Transport) *Manager {
	t.Helper()
	mgr := NewManager(context.Background(), st, opts, zaptest.NewLogger(t),
		WithSourceFactory(func(context.Context, *store.StorageConfiguration) (inventory.Source, error) {
			return &fakeSource{items: items}, nil
		}),
		WithTransportFactory(func(context.Context, *store.StorageConfiguration, *store.Migration) (Transport, error) {
			return tr, nil
		}),
	)
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	return mgr
}

func assetsRequest() StartRequest {
	return StartRequest{
		SourceCategory: "assets",
		TargetProvider: "local",
		TargetConfig:   provider.Config{LocalPath: "/srv/target"},
	}
}

func waitFor(t *testing.T, mgr *Manager, id string) *store.Migration {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, mgr.Wait(ctx, id))
	mig, err := mgr.Status(ctx, id)
	require.NoError(t, err)
	return mig
}
