package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// ensure interface is implemented
var _ Provider = (*GCSProvider)(nil)

// GCSProvider stores objects in a Google Cloud Storage bucket.
type GCSProvider struct {
	client *storage.Client
	bucket string
	prefix string
	cdnURL string
}

// NewGCSProvider connects with the service account in cfg, or Application
// Default Credentials when none is given.
func NewGCSProvider(ctx context.Context, cfg Config) (*GCSProvider, error) {
	var opts []option.ClientOption
	if cfg.ServiceAccountJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.ServiceAccountJSON)))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	// fallback to Application Default Credentials
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %w", err)
	}
	return &GCSProvider{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		cdnURL: strings.TrimSuffix(cfg.CDNURL, "/"),
	}, nil
}

func (p *GCSProvider) objectName(subPath string) string {
	subPath = strings.TrimPrefix(subPath, "/")
	if p.prefix == "" {
		return subPath
	}
	return strings.TrimPrefix(path.Join(p.prefix, subPath), "/")
}

func (p *GCSProvider) Stat(ctx context.Context, pth string) (FileInfo, error) {
	name := p.objectName(pth)
	attrs, err := p.client.Bucket(p.bucket).Object(name).Attrs(ctx)
	if err == nil {
		return &objectInfo{name: path.Base(name), size: attrs.Size, modTime: attrs.Updated}, nil
	}
	if !errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("stat failed for %q: %w", pth, err)
	}

	dirPrefix := name + "/"
	if name == "" {
		dirPrefix = ""
	}
	it := p.client.Bucket(p.bucket).Objects(ctx, &storage.Query{Prefix: dirPrefix})
	if _, err := it.Next(); err == nil {
		return &objectInfo{name: path.Base(name), isDir: true}, nil
	} else if !errors.Is(err, iterator.Done) {
		return nil, fmt.Errorf("stat failed for %q: %w", pth, err)
	}
	return nil, fmt.Errorf("%w: gs://%s/%s", ErrNotExist, p.bucket, name)
}

func (p *GCSProvider) List(ctx context.Context, pth string) ([]FileInfo, error) {
	dirPrefix := p.objectName(pth)
	if dirPrefix != "" && !strings.HasSuffix(dirPrefix, "/") {
		dirPrefix += "/"
	}

	var infos []FileInfo
	it := p.client.Bucket(p.bucket).Objects(ctx, &storage.Query{Prefix: dirPrefix, Delimiter: "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", pth, err)
		}
		if attrs.Prefix != "" {
			infos = append(infos, &objectInfo{
				name:  strings.TrimSuffix(strings.TrimPrefix(attrs.Prefix, dirPrefix), "/"),
				isDir: true,
			})
			continue
		}
		name := strings.TrimPrefix(attrs.Name, dirPrefix)
		if name == "" {
			continue
		}
		infos = append(infos, &objectInfo{name: name, size: attrs.Size, modTime: attrs.Updated})
	}
	return infos, nil
}

func (p *GCSProvider) OpenRead(ctx context.Context, pth string) (io.ReadCloser, error) {
	name := p.objectName(pth)
	r, err := p.client.Bucket(p.bucket).Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: gs://%s/%s", ErrNotExist, p.bucket, name)
		}
		return nil, fmt.Errorf("failed to open read %q: %w", pth, err)
	}
	return r, nil
}

// OpenWrite streams into a resumable upload. The object is committed on
// Close; Abort cancels the upload so nothing is written.
func (p *GCSProvider) OpenWrite(ctx context.Context, pth string, metadata FileInfo) (io.WriteCloser, error) {
	if metadata != nil && metadata.IsDir() {
		return nopWriteCloser{}, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	w := p.client.Bucket(p.bucket).Object(p.objectName(pth)).NewWriter(ctx)
	return &gcsWriter{Writer: w, cancel: cancel}, nil
}

func (p *GCSProvider) Location(pth string) string {
	name := p.objectName(pth)
	if p.cdnURL != "" {
		return p.cdnURL + "/" + name
	}
	return fmt.Sprintf("gs://%s/%s", p.bucket, name)
}

func (p *GCSProvider) Close() error {
	return p.client.Close()
}

type gcsWriter struct {
	*storage.Writer
	cancel context.CancelFunc
}

func (w *gcsWriter) Close() error {
	defer w.cancel()
	if err := w.Writer.Close(); err != nil {
		return fmt.Errorf("gcs upload failed: %w", err)
	}
	return nil
}

func (w *gcsWriter) Abort(error) error {
	w.cancel()
	_ = w.Writer.Close()
	return nil
}
