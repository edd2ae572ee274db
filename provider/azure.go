package provider

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// ensure interface is implemented
var _ Provider = (*AzureProvider)(nil)

// AzureProvider stores blobs in an Azure Storage container.
type AzureProvider struct {
	client    *azblob.Client
	container string
	prefix    string
	cdnURL    string
}

// NewAzureProvider connects with the storage account connection string in cfg.
func NewAzureProvider(cfg Config) (*AzureProvider, error) {
	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure client: %w", err)
	}
	return &AzureProvider{
		client:    client,
		container: cfg.Container,
		prefix:    cfg.Prefix,
		cdnURL:    strings.TrimSuffix(cfg.CDNURL, "/"),
	}, nil
}

func (p *AzureProvider) blobName(subPath string) string {
	subPath = strings.TrimPrefix(subPath, "/")
	if p.prefix == "" {
		return subPath
	}
	return strings.TrimPrefix(path.Join(p.prefix, subPath), "/")
}

func (p *AzureProvider) containerClient() *container.Client {
	return p.client.ServiceClient().NewContainerClient(p.container)
}

func (p *AzureProvider) Stat(ctx context.Context, pth string) (FileInfo, error) {
	name := p.blobName(pth)
	props, err := p.containerClient().NewBlobClient(name).GetProperties(ctx, nil)
	if err == nil {
		info := &objectInfo{name: path.Base(name)}
		if props.ContentLength != nil {
			info.size = *props.ContentLength
		}
		if props.LastModified != nil {
			info.modTime = *props.LastModified
		}
		return info, nil
	}
	if !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, fmt.Errorf("stat failed for %q: %w", pth, err)
	}

	dirPrefix := name + "/"
	pager := p.containerClient().NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &dirPrefix})
	if pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("stat failed for %q: %w", pth, err)
		}
		if len(page.Segment.BlobItems) > 0 {
			return &objectInfo{name: path.Base(name), isDir: true}, nil
		}
	}
	return nil, fmt.Errorf("%w: azure://%s/%s", ErrNotExist, p.container, name)
}

func (p *AzureProvider) List(ctx context.Context, pth string) ([]FileInfo, error) {
	dirPrefix := p.blobName(pth)
	if dirPrefix != "" && !strings.HasSuffix(dirPrefix, "/") {
		dirPrefix += "/"
	}

	var infos []FileInfo
	pager := p.containerClient().NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{Prefix: &dirPrefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", pth, err)
		}
		for _, bp := range page.Segment.BlobPrefixes {
			if bp.Name == nil {
				continue
			}
			infos = append(infos, &objectInfo{
				name:  strings.TrimSuffix(strings.TrimPrefix(*bp.Name, dirPrefix), "/"),
				isDir: true,
			})
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			info := &objectInfo{name: strings.TrimPrefix(*item.Name, dirPrefix)}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					info.size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					info.modTime = *item.Properties.LastModified
				}
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func (p *AzureProvider) OpenRead(ctx context.Context, pth string) (io.ReadCloser, error) {
	name := p.blobName(pth)
	resp, err := p.client.DownloadStream(ctx, p.container, name, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, fmt.Errorf("%w: azure://%s/%s", ErrNotExist, p.container, name)
		}
		return nil, fmt.Errorf("failed to open read %q: %w", pth, err)
	}
	return resp.Body, nil
}

func (p *AzureProvider) OpenWrite(ctx context.Context, pth string, metadata FileInfo) (io.WriteCloser, error) {
	if metadata != nil && metadata.IsDir() {
		return nopWriteCloser{}, nil
	}
	name := p.blobName(pth)
	return newPipeWriter("azure", func(r io.Reader) error {
		_, err := p.client.UploadStream(ctx, p.container, name, r, nil)
		return err
	}), nil
}

func (p *AzureProvider) Location(pth string) string {
	name := p.blobName(pth)
	if p.cdnURL != "" {
		return p.cdnURL + "/" + name
	}
	return p.containerClient().NewBlobClient(name).URL()
}

func (p *AzureProvider) Close() error { return nil }
