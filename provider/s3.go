package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ensure interface is implemented
var _ Provider = (*S3Provider)(nil)

// S3Provider speaks the S3 API to AWS or any S3-compatible object store.
type S3Provider struct {
	client   *s3.Client
	uploader *manager.Uploader
	kind     Kind
	bucket   string
	prefix   string
	cdnURL   string
}

// s3Endpoint returns the API endpoint, signing region and addressing style
// for an S3-compatible kind. An explicit cfg.Endpoint always wins.
func s3Endpoint(kind Kind, cfg Config) (endpoint, region string, pathStyle bool) {
	region = cfg.Region
	endpoint = cfg.Endpoint
	pathStyle = cfg.PathStyle

	switch kind {
	case KindCloudflareR2:
		if region == "" {
			region = "auto"
		}
		if endpoint == "" && cfg.AccountID != "" {
			endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
		}
	case KindDigitalOceanSpaces:
		if region == "" {
			region = "nyc3"
		}
		if endpoint == "" {
			endpoint = fmt.Sprintf("https://%s.digitaloceanspaces.com", region)
		}
	case KindBackblazeB2:
		if region == "" {
			region = "us-west-004"
		}
		if endpoint == "" {
			endpoint = fmt.Sprintf("https://s3.%s.backblazeb2.com", region)
		}
	case KindWasabi:
		if region == "" {
			region = "us-east-1"
		}
		if endpoint == "" {
			endpoint = fmt.Sprintf("https://s3.%s.wasabisys.com", region)
		}
	case KindLinode:
		if region == "" {
			region = "us-east-1"
		}
		if endpoint == "" {
			endpoint = fmt.Sprintf("https://%s.linodeobjects.com", region)
		}
	case KindVultr:
		if region == "" {
			region = "ewr1"
		}
		if endpoint == "" {
			endpoint = fmt.Sprintf("https://%s.vultrobjects.com", region)
		}
	case KindMinio:
		if region == "" {
			region = "us-east-1"
		}
		if endpoint == "" {
			scheme := "http"
			if cfg.UseSSL {
				scheme = "https"
			}
			endpoint = scheme + "://localhost:9000"
		}
		pathStyle = true
	default:
		if region == "" {
			region = "us-east-1"
		}
	}
	return endpoint, region, pathStyle
}

// NewS3Provider creates a new S3Provider for kind using the static
// credentials in cfg.
func NewS3Provider(ctx context.Context, kind Kind, cfg Config) (*S3Provider, error) {
	if !kind.S3Compatible() {
		return nil, fmt.Errorf("%s does not speak the S3 API", kind)
	}
	endpoint, region, pathStyle := s3Endpoint(kind, cfg)

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
	})

	return &S3Provider{
		client:   client,
		uploader: manager.NewUploader(client),
		kind:     kind,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		cdnURL:   strings.TrimSuffix(cfg.CDNURL, "/"),
	}, nil
}

// buildKey constructs the full S3 key based on the provider's prefix
func (p *S3Provider) buildKey(subPath string) string {
	subPath = strings.TrimPrefix(subPath, "/")
	if p.prefix == "" {
		return subPath
	}
	// Avoid double slashes
	key := path.Join(p.prefix, subPath)
	return strings.TrimPrefix(key, "/")
}

func isS3NotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

// Stat returns the FileInfo for the given path.
func (p *S3Provider) Stat(ctx context.Context, pth string) (FileInfo, error) {
	key := p.buildKey(pth)

	// exact match
	headOut, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return &objectInfo{
			name:    path.Base(key),
			size:    aws.ToInt64(headOut.ContentLength),
			isDir:   strings.HasSuffix(key, "/"),
			modTime: aws.ToTime(headOut.LastModified),
		}, nil
	}
	if !isS3NotFound(err) {
		return nil, fmt.Errorf("stat failed for %q: %w", pth, err)
	}

	// maybe a directory? Let's check prefix
	dirPrefix := key + "/"
	if key == "" {
		dirPrefix = ""
	}

	listOut, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(dirPrefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("stat failed for %q: %w", pth, err)
	}

	if len(listOut.Contents) > 0 || len(listOut.CommonPrefixes) > 0 {
		return &objectInfo{name: path.Base(key), isDir: true}, nil
	}
	return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotExist, p.bucket, key)
}

// List returns the contents of the given directory.
func (p *S3Provider) List(ctx context.Context, pth string) ([]FileInfo, error) {
	dirPrefix := p.buildKey(pth)
	if dirPrefix != "" && !strings.HasSuffix(dirPrefix, "/") {
		dirPrefix += "/"
	}

	var infos []FileInfo
	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.bucket),
		Prefix:    aws.String(dirPrefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", pth, err)
		}

		// Add common prefixes as directories
		for _, cp := range out.CommonPrefixes {
			name := strings.TrimPrefix(aws.ToString(cp.Prefix), dirPrefix)
			infos = append(infos, &objectInfo{
				name:  strings.TrimSuffix(name, "/"),
				isDir: true,
			})
		}

		// Add objects as files (or explicit directories if they end in /)
		for _, obj := range out.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), dirPrefix)
			if name == "" { // sometimes the dir itself is in the results
				continue
			}
			isDir := strings.HasSuffix(name, "/")
			infos = append(infos, &objectInfo{
				name:    strings.TrimSuffix(name, "/"),
				size:    aws.ToInt64(obj.Size),
				isDir:   isDir,
				modTime: aws.ToTime(obj.LastModified),
			})
		}
	}

	return infos, nil
}

// OpenRead opens a file for streaming reads.
func (p *S3Provider) OpenRead(ctx context.Context, pth string) (io.ReadCloser, error) {
	key := p.buildKey(pth)
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotExist, p.bucket, key)
		}
		return nil, fmt.Errorf("failed to open read %q: %w", pth, err)
	}
	return out.Body, nil
}

// OpenWrite opens a file for streaming writes through the multipart uploader.
func (p *S3Provider) OpenWrite(ctx context.Context, pth string, metadata FileInfo) (io.WriteCloser, error) {
	key := p.buildKey(pth)

	// Check if this is just a directory placeholder we need to create
	if metadata != nil && metadata.IsDir() {
		// S3 doesn't have true directories, but writing a 0-byte object ending in '/' simulates it
		if !strings.HasSuffix(key, "/") {
			key += "/"
		}
		_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
			Body:   strings.NewReader(""),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to write directory placeholder: %w", err)
		}
		return nopWriteCloser{}, nil
	}

	return newPipeWriter(string(p.kind), func(r io.Reader) error {
		_, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
			Body:   r,
		})
		return err
	}), nil
}

// Location returns the public CDN URL when one is configured and an
// s3:// URI otherwise.
func (p *S3Provider) Location(pth string) string {
	key := p.buildKey(pth)
	if p.cdnURL != "" {
		return p.cdnURL + "/" + key
	}
	return fmt.Sprintf("s3://%s/%s", p.bucket, key)
}

func (p *S3Provider) Close() error { return nil }
