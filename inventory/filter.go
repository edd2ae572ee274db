package inventory

import (
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
)

// Asset types accepted by a migration request.
const (
	AssetImages    = "images"
	AssetVideos    = "videos"
	AssetDocuments = "documents"
	AssetAll       = "all"
)

// ErrUnknownAssetType is returned for asset types outside the known set.
var ErrUnknownAssetType = errors.New("unknown asset type")

var assetPatterns = map[string][]string{
	AssetImages:    {"image/*"},
	AssetVideos:    {"video/*"},
	AssetDocuments: {"application/pdf", "application/*document*", "text/*"},
}

// extraTypes covers media extensions missing from Go's builtin table and
// from minimal system mime.types files.
var extraTypes = map[string]string{
	".bmp":  "image/bmp",
	".ico":  "image/x-icon",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".heic": "image/heic",
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mp3":  "audio/mpeg",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".odt":  "application/vnd.oasis.opendocument.text",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// MIMEType guesses the media type of p from its extension, without
// parameters. Unknown extensions map to application/octet-stream.
func MIMEType(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if t, ok := extraTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
		return t
	}
	return "application/octet-stream"
}

// Filter selects items by MIME pattern. The zero Filter matches everything.
type Filter struct {
	patterns []string
}

// NewFilter builds a Filter from asset type names. An empty list or one
// containing "all" matches every item.
func NewFilter(assetTypes []string) (Filter, error) {
	var (
		f   Filter
		all bool
	)
	seen := make(map[string]bool)
	for _, raw := range assetTypes {
		t := strings.ToLower(strings.TrimSpace(raw))
		if t == AssetAll {
			all = true
			continue
		}
		patterns, ok := assetPatterns[t]
		if !ok {
			return Filter{}, fmt.Errorf("%w: %q", ErrUnknownAssetType, raw)
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		f.patterns = append(f.patterns, patterns...)
	}
	if all {
		return Filter{}, nil
	}
	return f, nil
}

// Patterns returns the MIME patterns the filter accepts.
func (f Filter) Patterns() []string {
	return append([]string(nil), f.patterns...)
}

// Match reports whether mimeType is selected.
func (f Filter) Match(mimeType string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	for _, p := range f.patterns {
		if ok, _ := path.Match(p, mimeType); ok {
			return true
		}
	}
	return false
}
