package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ensure interface is implemented
var _ Provider = (*LocalProvider)(nil)

// ModeFileInfo is a FileInfo that also carries permission bits.
type ModeFileInfo interface {
	FileInfo
	Mode() os.FileMode
}

type localFileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
	mode    os.FileMode
}

func (l *localFileInfo) Name() string       { return l.name }
func (l *localFileInfo) Size() int64        { return l.size }
func (l *localFileInfo) IsDir() bool        { return l.isDir }
func (l *localFileInfo) ModTime() time.Time { return l.modTime }
func (l *localFileInfo) Mode() os.FileMode  { return l.mode }

func wrapOSFileInfo(info os.FileInfo) ModeFileInfo {
	return &localFileInfo{
		name:    info.Name(),
		size:    info.Size(),
		isDir:   info.IsDir(),
		modTime: info.ModTime(),
		mode:    info.Mode().Perm(),
	}
}

// LocalProvider implements the Provider interface for posix-compliant local filesystems.
type LocalProvider struct {
	basePath string
}

// NewLocalProvider creates a new LocalProvider rooted at basePath.
// If basePath is empty, it acts upon absolute or relative paths directly.
func NewLocalProvider(basePath string) *LocalProvider {
	return &LocalProvider{basePath: basePath}
}

// resolve maps path under basePath. Leading slashes and ".." segments
// cannot climb above the root.
func (p *LocalProvider) resolve(path string) string {
	if p.basePath == "" {
		return path
	}
	return filepath.Join(p.basePath, filepath.Clean(string(filepath.Separator)+path))
}

func notExist(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s: %w", ErrNotExist, path, err)
	}
	return err
}

func (p *LocalProvider) Stat(ctx context.Context, path string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(p.resolve(path))
	if err != nil {
		return nil, notExist(path, err)
	}
	return wrapOSFileInfo(info), nil
}

func (p *LocalProvider) List(ctx context.Context, path string) ([]FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(p.resolve(path))
	if err != nil {
		return nil, notExist(path, err)
	}

	var infos []FileInfo
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue // skip files that disappeared between ReadDir and Info
		}
		infos = append(infos, wrapOSFileInfo(info))
	}
	return infos, nil
}

func (p *LocalProvider) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(p.resolve(path))
	if err != nil {
		return nil, notExist(path, err)
	}
	return f, nil
}

// OpenWrite writes into a temporary sibling file which replaces path on
// Close, so readers never observe a half-written file.
func (p *LocalProvider) OpenWrite(ctx context.Context, path string, metadata FileInfo) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPath := p.resolve(path)

	// Create parent directories if they don't exist
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, err
	}

	if metadata != nil && metadata.IsDir() {
		if err := os.MkdirAll(fullPath, 0755); err != nil {
			return nil, err
		}
		return nopWriteCloser{}, nil
	}

	mode := os.FileMode(0644)
	if mInfo, ok := metadata.(ModeFileInfo); ok && mInfo.Mode() != 0 {
		mode = mInfo.Mode()
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), "."+filepath.Base(fullPath)+".*.part")
	if err != nil {
		return nil, err
	}

	return &localWriteCloser{
		File:     tmp,
		fullPath: fullPath,
		mode:     mode,
		metadata: metadata,
	}, nil
}

func (p *LocalProvider) Location(path string) string {
	full := p.resolve(path)
	if abs, err := filepath.Abs(full); err == nil {
		return abs
	}
	return full
}

func (p *LocalProvider) Close() error { return nil }

// localWriteCloser wraps a temporary file and publishes it on close.
// Timestamps are applied last because writing updates the mtime.
type localWriteCloser struct {
	*os.File
	fullPath string
	mode     os.FileMode
	metadata FileInfo
}

func (l *localWriteCloser) Close() error {
	tmpName := l.File.Name()
	if err := l.File.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, l.mode); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, l.fullPath); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	if l.metadata != nil && !l.metadata.ModTime().IsZero() {
		// Ignore errors on applying timestamp
		_ = os.Chtimes(l.fullPath, time.Now(), l.metadata.ModTime())
	}
	return nil
}

func (l *localWriteCloser) Abort(error) error {
	tmpName := l.File.Name()
	_ = l.File.Close()
	return os.Remove(tmpName)
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
