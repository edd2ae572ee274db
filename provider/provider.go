package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotExist is returned (wrapped) when a path has no object behind it.
var ErrNotExist = errors.New("object does not exist")

// FileInfo represents the standard metadata for a file or a directory
// across different storage abstractions.
type FileInfo interface {
	Name() string
	Size() int64
	IsDir() bool
	ModTime() time.Time
}

// Provider represents a storage backend abstraction.
// A typical Provider might be local storage, S3, SFTP, etc.
type Provider interface {
	// Stat returns the FileInfo for the given path.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// List returns the contents of the given directory.
	List(ctx context.Context, path string) ([]FileInfo, error)

	// OpenRead opens a file for streaming reads.
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)

	// OpenWrite opens a file for streaming writes, applying metadata if supported.
	// The object becomes visible once Close returns nil.
	OpenWrite(ctx context.Context, path string, metadata FileInfo) (io.WriteCloser, error)

	// Location returns the address recorded for path once it is written,
	// e.g. an absolute file path or an object URI.
	Location(path string) string

	// Close releases connections held by the provider.
	Close() error
}

// Aborter is implemented by writers that can discard a partially written
// object instead of publishing it.
type Aborter interface {
	Abort(err error) error
}

// AbortWriter discards w if it supports it, otherwise it just closes it.
func AbortWriter(w io.WriteCloser, cause error) error {
	if a, ok := w.(Aborter); ok {
		return a.Abort(cause)
	}
	return w.Close()
}

type objectInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
}

func (f *objectInfo) Name() string       { return f.name }
func (f *objectInfo) Size() int64        { return f.size }
func (f *objectInfo) IsDir() bool        { return f.isDir }
func (f *objectInfo) ModTime() time.Time { return f.modTime }

// NewFileInfo builds a FileInfo from raw values.
func NewFileInfo(name string, size int64, isDir bool, modTime time.Time) FileInfo {
	return &objectInfo{name: name, size: size, isDir: isDir, modTime: modTime}
}

// pipeWriter streams writes into an upload running on another goroutine.
// Close waits for the upload to finish; Abort fails the pipe so the upload
// is never committed.
type pipeWriter struct {
	pw      *io.PipeWriter
	errChan <-chan error
	label   string
}

func newPipeWriter(label string, upload func(r io.Reader) error) *pipeWriter {
	pr, pw := io.Pipe()
	errChan := make(chan error, 1)
	go func() {
		err := upload(pr)
		pr.CloseWithError(err)
		errChan <- err
	}()
	return &pipeWriter{pw: pw, errChan: errChan, label: label}
}

func (w *pipeWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *pipeWriter) Close() error {
	if err := w.pw.Close(); err != nil {
		return err
	}
	if err := <-w.errChan; err != nil {
		return fmt.Errorf("%s upload failed: %w", w.label, err)
	}
	return nil
}

func (w *pipeWriter) Abort(cause error) error {
	if cause == nil {
		cause = errors.New("upload aborted")
	}
	_ = w.pw.CloseWithError(cause)
	<-w.errChan
	return nil
}
