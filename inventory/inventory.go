// Package inventory enumerates the assets a migration moves.
package inventory

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/franksops/gomigrate/provider"
)

// Item is one candidate asset.
type Item struct {
	ID       string
	Path     string
	Size     int64
	MIMEType string
}

// Source lists candidate assets. A listing is finite and read once per
// migration.
type Source interface {
	List(ctx context.Context, filter Filter) ([]Item, error)
	Close() error
}

// ProviderSource lists every file under the root of a storage provider.
type ProviderSource struct {
	category string
	prov     provider.Provider
	root     string
}

// ensure interface is implemented
var _ Source = (*ProviderSource)(nil)

// NewProviderSource wraps p. category namespaces item ids.
func NewProviderSource(category string, p provider.Provider) *ProviderSource {
	return &ProviderSource{category: category, prov: p}
}

// Open connects to the provider holding category and returns a Source over it.
func Open(ctx context.Context, category string, kind provider.Kind, cfg provider.Config) (*ProviderSource, error) {
	p, err := provider.Open(ctx, kind, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s source: %w", category, err)
	}
	return NewProviderSource(category, p), nil
}

// ItemID derives a stable id for an asset so repeated listings agree.
func ItemID(category, p string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("gomigrate:"+category+"/"+strings.TrimPrefix(p, "/"))).String()
}

// List walks the provider and returns matching files ordered by path.
func (s *ProviderSource) List(ctx context.Context, filter Filter) ([]Item, error) {
	var items []Item
	walker := NewWalker(s.prov)
	err := walker.Walk(ctx, s.root, func(p string, info provider.FileInfo) error {
		// Skip dotfiles such as in-progress uploads.
		if strings.HasPrefix(path.Base(p), ".") {
			return nil
		}
		mt := MIMEType(p)
		if !filter.Match(mt) {
			return nil
		}
		items = append(items, Item{
			ID:       ItemID(s.category, p),
			Path:     p,
			Size:     info.Size(),
			MIMEType: mt,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items, nil
}

// Close releases the underlying provider.
func (s *ProviderSource) Close() error {
	return s.prov.Close()
}
