package inventory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/gomigrate/provider"
)

// treeProvider serves a read-only directory tree built from file paths.
type treeProvider struct {
	files map[string]int64
	lists int
}

func newTreeProvider(files map[string]int64) *treeProvider {
	return &treeProvider{files: files}
}

func (p *treeProvider) isDir(dir string) bool {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for f := range p.files {
		if strings.HasPrefix(f, prefix) {
			return true
		}
	}
	return false
}

func (p *treeProvider) Stat(_ context.Context, pth string) (provider.FileInfo, error) {
	if size, ok := p.files[pth]; ok {
		return provider.NewFileInfo(path.Base(pth), size, false, time.Time{}), nil
	}
	if p.isDir(pth) {
		return provider.NewFileInfo(path.Base(pth), 0, true, time.Time{}), nil
	}
	return nil, fmt.Errorf("%w: %s", provider.ErrNotExist, pth)
}

func (p *treeProvider) List(_ context.Context, dir string) ([]provider.FileInfo, error) {
	p.lists++
	prefix := strings.TrimSuffix(dir, "/") + "/"
	seen := map[string]bool{}
	var out []provider.FileInfo
	for f, size := range p.files {
		rest, ok := strings.CutPrefix(f, prefix)
		if !ok {
			continue
		}
		name, _, nested := strings.Cut(rest, "/")
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, provider.NewFileInfo(name, size, nested, time.Time{}))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", provider.ErrNotExist, dir)
	}
	return out, nil
}

func (p *treeProvider) OpenRead(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (p *treeProvider) OpenWrite(context.Context, string, provider.FileInfo) (io.WriteCloser, error) {
	return nil, errors.New("not implemented")
}

func (p *treeProvider) Location(pth string) string { return "tree://" + pth }
func (p *treeProvider) Close() error               { return nil }

func siteTree() *treeProvider {
	return newTreeProvider(map[string]int64{
		"/site/logo.png":               1,
		"/site/uploads/a.jpg":          2,
		"/site/uploads/2024/03/b.webp": 3,
		"/site/uploads/2024/c.mp4":     4,
	})
}

func TestWalker_Walk(t *testing.T) {
	sizes := map[string]int64{}
	err := NewWalker(siteTree()).Walk(context.Background(), "/site", func(p string, info provider.FileInfo) error {
		sizes[p] = info.Size()
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{
		"logo.png":               1,
		"uploads/a.jpg":          2,
		"uploads/2024/03/b.webp": 3,
		"uploads/2024/c.mp4":     4,
	}, sizes)
}

func TestWalker_Walk_SingleFile(t *testing.T) {
	var got []string
	err := NewWalker(siteTree()).Walk(context.Background(), "/site/uploads/a.jpg", func(p string, _ provider.FileInfo) error {
		got = append(got, p)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg"}, got)
}

func TestWalker_Walk_MissingRoot(t *testing.T) {
	err := NewWalker(siteTree()).Walk(context.Background(), "/elsewhere", func(string, provider.FileInfo) error { return nil })
	assert.ErrorIs(t, err, provider.ErrNotExist)
}

func TestWalker_Walk_StopsOnCallbackError(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	err := NewWalker(siteTree()).Walk(context.Background(), "/site", func(string, provider.FileInfo) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestWalker_Walk_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tree := siteTree()
	err := NewWalker(tree).Walk(ctx, "/site", func(string, provider.FileInfo) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, tree.lists)
}

func TestWalker_Walk_DeepTree(t *testing.T) {
	var dir strings.Builder
	dir.WriteString("/deep")
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&dir, "/d%d", i)
	}
	leaf := dir.String() + "/leaf.txt"

	var got []string
	err := NewWalker(newTreeProvider(map[string]int64{leaf: 1})).Walk(context.Background(), "/deep", func(p string, _ provider.FileInfo) error {
		got = append(got, p)
		return nil
	})
	require.NoError(t, err)
	sort.Strings(got)
	require.Len(t, got, 1)
	assert.Equal(t, strings.TrimPrefix(leaf, "/deep/"), got[0])
}
