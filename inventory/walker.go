package inventory

import (
	"context"
	"fmt"
	"path"

	"github.com/franksops/gomigrate/provider"
)

// WalkFunc is called for every file found by Walker. p is relative to the
// walk root and uses forward slashes.
type WalkFunc func(p string, info provider.FileInfo) error

// Walker enumerates the files below a provider directory with an explicit
// stack, so deep asset trees cannot exhaust the goroutine stack.
type Walker struct {
	prov provider.Provider
}

func NewWalker(p provider.Provider) *Walker {
	return &Walker{prov: p}
}

// Walk calls fn for every file below root. A root that is itself a file is
// reported under its base name. Directory order follows the provider.
func (w *Walker) Walk(ctx context.Context, root string, fn WalkFunc) error {
	rootInfo, err := w.prov.Stat(ctx, root)
	if err != nil {
		return fmt.Errorf("failed to stat source %s: %w", root, err)
	}
	if !rootInfo.IsDir() {
		return fn(path.Base(root), rootInfo)
	}

	pending := []string{""}
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		rel := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		dir := root
		if rel != "" {
			dir = path.Join(root, rel)
		}
		entries, err := w.prov.List(ctx, dir)
		if err != nil {
			return fmt.Errorf("failed to list directory %s: %w", dir, err)
		}

		for _, entry := range entries {
			child := path.Join(rel, entry.Name())
			if entry.IsDir() {
				pending = append(pending, child)
				continue
			}
			if err := fn(child, entry); err != nil {
				return err
			}
		}
	}
	return nil
}
