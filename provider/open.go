package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotTransferable is returned by Open for kinds that can be configured
// but have no object backend.
var ErrNotTransferable = errors.New("provider does not support transfers")

// Open validates cfg for kind and connects to the backend.
func Open(ctx context.Context, kind Kind, cfg Config) (Provider, error) {
	if err := cfg.Validate(kind); err != nil {
		return nil, err
	}
	if !kind.Transferable() {
		return nil, fmt.Errorf("%w: %s", ErrNotTransferable, kind)
	}

	switch {
	case kind == KindLocal:
		return NewLocalProvider(cfg.LocalPath), nil
	case kind.S3Compatible():
		p, err := NewS3Provider(ctx, kind, cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case kind == KindGCS:
		p, err := NewGCSProvider(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case kind == KindAzure:
		p, err := NewAzureProvider(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case kind == KindSSH, kind == KindSFTP:
		p, err := NewSFTPProvider(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotTransferable, kind)
}
