package provider

import (
	"testing"
)

func TestS3Provider_BuildKey(t *testing.T) {
	tests := []struct {
		prefix string
		path   string
		expect string
	}{
		{"", "test.txt", "test.txt"},
		{"", "/test.txt", "test.txt"},
		{"myprefix", "test.txt", "myprefix/test.txt"},
		{"myprefix/", "test.txt", "myprefix/test.txt"},
		{"myprefix", "/test.txt", "myprefix/test.txt"},
		{"myprefix/", "/test.txt", "myprefix/test.txt"},
		{"my/deep/prefix", "some/path.txt", "my/deep/prefix/some/path.txt"},
		{"my/deep/prefix/", "/some/path.txt", "my/deep/prefix/some/path.txt"},
		{"", "", ""},
		{"myprefix", "", "myprefix"},
	}

	for _, tt := range tests {
		t.Run(tt.prefix+"+"+tt.path, func(t *testing.T) {
			p := &S3Provider{prefix: tt.prefix}
			actual := p.buildKey(tt.path)
			if actual != tt.expect {
				t.Errorf("buildKey(%q, %q) = %q; want %q", tt.prefix, tt.path, actual, tt.expect)
			}
		})
	}
}

func TestS3Endpoint(t *testing.T) {
	tests := []struct {
		name      string
		kind      Kind
		cfg       Config
		endpoint  string
		region    string
		pathStyle bool
	}{
		{"aws default region", KindS3, Config{}, "", "us-east-1", false},
		{"aws explicit", KindS3, Config{Region: "eu-west-1"}, "", "eu-west-1", false},
		{"r2 from account", KindCloudflareR2, Config{AccountID: "abc"}, "https://abc.r2.cloudflarestorage.com", "auto", false},
		{"spaces", KindDigitalOceanSpaces, Config{Region: "fra1"}, "https://fra1.digitaloceanspaces.com", "fra1", false},
		{"b2", KindBackblazeB2, Config{Region: "us-west-002"}, "https://s3.us-west-002.backblazeb2.com", "us-west-002", false},
		{"wasabi", KindWasabi, Config{}, "https://s3.us-east-1.wasabisys.com", "us-east-1", false},
		{"linode", KindLinode, Config{Region: "eu-central-1"}, "https://eu-central-1.linodeobjects.com", "eu-central-1", false},
		{"vultr", KindVultr, Config{}, "https://ewr1.vultrobjects.com", "ewr1", false},
		{"minio forces path style", KindMinio, Config{Endpoint: "http://minio:9000"}, "http://minio:9000", "us-east-1", true},
		{"minio default tls", KindMinio, Config{UseSSL: true}, "https://localhost:9000", "us-east-1", true},
		{"explicit endpoint wins", KindWasabi, Config{Endpoint: "https://custom", PathStyle: true}, "https://custom", "us-east-1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoint, region, pathStyle := s3Endpoint(tt.kind, tt.cfg)
			if endpoint != tt.endpoint {
				t.Errorf("endpoint = %q; want %q", endpoint, tt.endpoint)
			}
			if region != tt.region {
				t.Errorf("region = %q; want %q", region, tt.region)
			}
			if pathStyle != tt.pathStyle {
				t.Errorf("pathStyle = %v; want %v", pathStyle, tt.pathStyle)
			}
		})
	}
}

func TestS3Provider_Location(t *testing.T) {
	p := &S3Provider{bucket: "media", prefix: "site"}
	if got := p.Location("img/a.png"); got != "s3://media/site/img/a.png" {
		t.Errorf("unexpected location %q", got)
	}

	p.cdnURL = "https://cdn.example.com"
	if got := p.Location("/img/a.png"); got != "https://cdn.example.com/site/img/a.png" {
		t.Errorf("unexpected cdn location %q", got)
	}
}
