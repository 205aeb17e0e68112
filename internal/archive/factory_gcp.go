//go:build gcp

package archive

import (
	"context"
	"fmt"

	"gavel.io/gavel/internal/config"
)

func newGCSStore(ctx context.Context, cfg config.ArchiveConfig) (Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive.bucket is required for GCS storage")
	}
	return NewGCSStore(ctx, GCSConfig{Bucket: cfg.Bucket})
}
