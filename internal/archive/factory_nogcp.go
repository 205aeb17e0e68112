//go:build !gcp

package archive

import (
	"context"
	"fmt"

	"gavel.io/gavel/internal/config"
)

func newGCSStore(context.Context, config.ArchiveConfig) (Store, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
