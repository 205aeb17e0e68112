package archive

import (
	"context"
	"fmt"

	"gavel.io/gavel/internal/config"
)

// NewStore creates the store selected by cfg.Backend. It returns nil for
// "none", which disables archiving.
func NewStore(ctx context.Context, cfg config.ArchiveConfig) (Store, error) {
	switch cfg.Backend {
	case config.BackendNone, "":
		return nil, nil
	case config.BackendMemory:
		return NewMemoryStore(), nil
	case config.BackendS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive.bucket is required for S3 storage")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:       cfg.Bucket,
			Region:       region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.UsePathStyle,
		})
	case config.BackendGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", cfg.Backend)
	}
}
