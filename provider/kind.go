package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a storage backend type.
type Kind string

const (
	KindLocal Kind = "local"
	KindS3    Kind = "s3"
	KindSSH   Kind = "ssh"
	KindSFTP  Kind = "sftp"
	KindGCS   Kind = "gcs"
	KindAzure Kind = "azure"
	KindFTP   Kind = "ftp"

	// S3-compatible object stores
	KindCloudflareR2       Kind = "cloudflare-r2"
	KindDigitalOceanSpaces Kind = "digitalocean-spaces"
	KindMinio              Kind = "minio"
	KindBackblazeB2        Kind = "backblaze-b2"
	KindWasabi             Kind = "wasabi"
	KindLinode             Kind = "linode"
	KindVultr              Kind = "vultr"

	// CDN and media platforms
	KindBunnyStorage Kind = "bunny-storage"
	KindImagekit     Kind = "imagekit"
	KindCloudinary   Kind = "cloudinary"
	KindImgix        Kind = "imgix"
	KindUploadcare   Kind = "uploadcare"
	KindKeyCDN       Kind = "keycdn"
	KindStackpath    Kind = "stackpath"
	KindFastly       Kind = "fastly"
	KindAkamai       Kind = "akamai"
)

var allKinds = []Kind{
	KindLocal, KindS3, KindSSH, KindSFTP, KindGCS, KindAzure, KindFTP,
	KindCloudflareR2, KindDigitalOceanSpaces, KindMinio, KindBackblazeB2,
	KindWasabi, KindLinode, KindVultr,
	KindBunnyStorage, KindImagekit, KindCloudinary, KindImgix, KindUploadcare,
	KindKeyCDN, KindStackpath, KindFastly, KindAkamai,
}

// ErrUnknownKind is returned when a provider name is not recognised.
var ErrUnknownKind = errors.New("unknown storage provider")

// Kinds returns every known provider kind.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// ParseKind converts a provider name into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range allKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// S3Compatible reports whether the kind speaks the S3 API.
func (k Kind) S3Compatible() bool {
	switch k {
	case KindS3, KindCloudflareR2, KindDigitalOceanSpaces, KindMinio,
		KindBackblazeB2, KindWasabi, KindLinode, KindVultr:
		return true
	}
	return false
}

// Transferable reports whether this package can read and write objects
// for the kind. CDN APIs and FTP are validated but have no backend here.
func (k Kind) Transferable() bool {
	switch {
	case k == KindLocal, k == KindGCS, k == KindAzure, k == KindSSH, k == KindSFTP:
		return true
	case k.S3Compatible():
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }
