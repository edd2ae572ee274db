package provider

import (
	"errors"
	"fmt"
)

// ErrMissingField is wrapped by MissingFieldError.
var ErrMissingField = errors.New("missing required field")

// MissingFieldError reports a configuration field that a provider kind
// requires but which was left empty.
type MissingFieldError struct {
	Kind  Kind
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: %s is required", e.Kind, e.Field)
}

func (e *MissingFieldError) Unwrap() error { return ErrMissingField }

// Config is the provider configuration blob. Only the fields relevant to a
// given Kind are read; it is persisted as JSON alongside migrations and
// storage configurations.
type Config struct {
	// Local storage
	LocalPath string `json:"local_path,omitempty" mapstructure:"local_path"`

	// S3-compatible object stores
	Bucket    string `json:"bucket,omitempty" mapstructure:"bucket"`
	Region    string `json:"region,omitempty" mapstructure:"region"`
	Endpoint  string `json:"endpoint,omitempty" mapstructure:"endpoint"`
	AccessKey string `json:"access_key,omitempty" mapstructure:"access_key"`
	SecretKey string `json:"secret_key,omitempty" mapstructure:"secret_key"`
	AccountID string `json:"account_id,omitempty" mapstructure:"account_id"`
	PathStyle bool   `json:"path_style,omitempty" mapstructure:"path_style"`

	// Key prefix inside a bucket or container
	Prefix string `json:"prefix,omitempty" mapstructure:"prefix"`

	// SSH/SFTP/FTP
	Host           string `json:"host,omitempty" mapstructure:"host"`
	Port           int    `json:"port,omitempty" mapstructure:"port"`
	Username       string `json:"username,omitempty" mapstructure:"username"`
	Password       string `json:"password,omitempty" mapstructure:"password"`
	PrivateKey     string `json:"private_key,omitempty" mapstructure:"private_key"`
	RemotePath     string `json:"remote_path,omitempty" mapstructure:"remote_path"`
	KnownHostsPath string `json:"known_hosts_path,omitempty" mapstructure:"known_hosts_path"`

	// Azure
	Container        string `json:"container,omitempty" mapstructure:"container"`
	ConnectionString string `json:"connection_string,omitempty" mapstructure:"connection_string"`

	// GCS
	ProjectID          string `json:"project_id,omitempty" mapstructure:"project_id"`
	ServiceAccountJSON string `json:"service_account_json,omitempty" mapstructure:"service_account_json"`

	// CDN platforms
	APIKey      string `json:"api_key,omitempty" mapstructure:"api_key"`
	APISecret   string `json:"api_secret,omitempty" mapstructure:"api_secret"`
	CloudName   string `json:"cloud_name,omitempty" mapstructure:"cloud_name"`
	ZoneID      string `json:"zone_id,omitempty" mapstructure:"zone_id"`
	StorageZone string `json:"storage_zone,omitempty" mapstructure:"storage_zone"`
	PullZone    string `json:"pull_zone,omitempty" mapstructure:"pull_zone"`

	BaseURL string `json:"base_url,omitempty" mapstructure:"base_url"`
	CDNURL  string `json:"cdn_url,omitempty" mapstructure:"cdn_url"`
	UseSSL  bool   `json:"use_ssl,omitempty" mapstructure:"use_ssl"`
}

type field struct {
	name  string
	value string
}

// Validate performs structural validation: every field the kind needs must
// be present. It never contacts the backend.
func (c Config) Validate(kind Kind) error {
	var required []field
	switch {
	case kind == KindLocal:
		required = []field{{"local_path", c.LocalPath}}
	case kind.S3Compatible():
		required = []field{{"bucket", c.Bucket}, {"access_key", c.AccessKey}, {"secret_key", c.SecretKey}}
	case kind == KindSSH, kind == KindSFTP, kind == KindFTP:
		required = []field{{"host", c.Host}, {"username", c.Username}}
	case kind == KindGCS:
		required = []field{{"bucket", c.Bucket}, {"project_id", c.ProjectID}}
	case kind == KindAzure:
		required = []field{{"container", c.Container}, {"connection_string", c.ConnectionString}}
	case kind == KindBunnyStorage:
		required = []field{{"storage_zone", c.StorageZone}, {"api_key", c.APIKey}}
	case kind == KindCloudinary:
		required = []field{{"cloud_name", c.CloudName}, {"api_key", c.APIKey}, {"api_secret", c.APISecret}}
	case kind == KindImagekit:
		required = []field{{"api_key", c.APIKey}, {"private_key", c.PrivateKey}}
	case kind == "":
		return fmt.Errorf("%w: empty", ErrUnknownKind)
	default:
		if _, err := ParseKind(string(kind)); err != nil {
			return err
		}
	}

	for _, f := range required {
		if f.value == "" {
			return &MissingFieldError{Kind: kind, Field: f.name}
		}
	}
	return nil
}
