package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/franksops/gomigrate/provider"
	"github.com/franksops/gomigrate/store"
)

// Transport copies one file to the target provider. Transfer must be safe
// to repeat for the same job: a retry overwrites whatever a previous attempt
// left behind.
type Transport interface {
	// Transfer returns the address of the written object.
	Transfer(ctx context.Context, job TransferJob, r Reporter) (string, error)
	Close() error
}

// TransportFactory builds the Transport a runner uses for m, reading from
// the provider configured for its source category.
type TransportFactory func(ctx context.Context, source *store.StorageConfiguration, m *store.Migration) (Transport, error)

// ProviderTransport streams files between two storage providers.
type ProviderTransport struct {
	src       provider.Provider
	dst       provider.Provider
	buffers   *BufferPool
	checksums *ChecksumPool
	progress  ProgressConfig
	verify    bool
}

// ensure interface is implemented
var _ Transport = (*ProviderTransport)(nil)

// NewProviderTransport creates a transport reading from src and writing to dst.
// It takes ownership of both providers.
func NewProviderTransport(src, dst provider.Provider, opts Options) *ProviderTransport {
	opts = opts.withDefaults()
	return &ProviderTransport{
		src:       src,
		dst:       dst,
		buffers:   NewBufferPool(opts.BufferSize),
		checksums: NewChecksumPool(),
		progress:  opts.Progress,
		verify:    opts.VerifyChecksum,
	}
}

// OpenProviderTransport connects to the source category's provider and to
// the migration's target.
func OpenProviderTransport(ctx context.Context, source *store.StorageConfiguration, m *store.Migration, opts Options) (*ProviderTransport, error) {
	src, err := provider.Open(ctx, source.Provider, source.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to open source provider: %w", err)
	}
	dst, err := provider.Open(ctx, m.TargetProvider, m.TargetConfig)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("failed to open target provider: %w", err)
	}
	return NewProviderTransport(src, dst, opts), nil
}

// Transfer implements Transport.
func (t *ProviderTransport) Transfer(ctx context.Context, job TransferJob, r Reporter) (string, error) {
	if r == nil {
		r = nopReporter{}
	}

	info, err := t.src.Stat(ctx, job.SourcePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat source: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("source %s is a directory", job.SourcePath)
	}

	// Open source
	srcReader, err := t.src.OpenRead(ctx, job.SourcePath)
	if err != nil {
		return "", fmt.Errorf("failed to open source: %w", err)
	}
	defer srcReader.Close()
	reader := NewChecksumReader(srcReader)

	// Open destination
	dstWriter, err := t.dst.OpenWrite(ctx, job.DestinationPath, info)
	if err != nil {
		return "", fmt.Errorf("failed to open destination: %w", err)
	}
	trackedWriter := NewTrackedWriter(dstWriter, r, t.progress)

	buf := t.buffers.Get()
	defer t.buffers.Put(buf)

	n, err := io.CopyBuffer(trackedWriter, reader, *buf)
	if err != nil {
		_ = provider.AbortWriter(dstWriter, err)
		return "", fmt.Errorf("transfer failed: %w", err)
	}
	if n != info.Size() {
		err := fmt.Errorf("short copy: read %d of %d bytes", n, info.Size())
		_ = provider.AbortWriter(dstWriter, err)
		return "", err
	}

	r.Verifying(n)

	// Close destination (publishes the object and applies metadata)
	if err := dstWriter.Close(); err != nil {
		return "", fmt.Errorf("failed to close destination: %w", err)
	}

	if err := t.check(ctx, job.DestinationPath, n, reader.Sum(), *buf); err != nil {
		return "", err
	}
	return t.dst.Location(job.DestinationPath), nil
}

// check confirms the published object has the copied size and, when
// enabled, the same CRC64 as the bytes read from the source.
func (t *ProviderTransport) check(ctx context.Context, path string, size int64, sum uint64, buf []byte) error {
	info, err := t.dst.Stat(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to stat target: %w", err)
	}
	if info.Size() != size {
		return fmt.Errorf("target size mismatch: got %d, want %d", info.Size(), size)
	}
	if !t.verify {
		return nil
	}

	rc, err := t.dst.OpenRead(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to reopen target: %w", err)
	}
	defer rc.Close()
	got, _, err := t.checksums.Sum(rc, buf)
	if err != nil {
		return fmt.Errorf("failed to read back target: %w", err)
	}
	if got != sum {
		return &ChecksumMismatchError{Path: path, Source: sum, Target: got}
	}
	return nil
}

// Close closes both providers.
func (t *ProviderTransport) Close() error {
	return errors.Join(t.src.Close(), t.dst.Close())
}
