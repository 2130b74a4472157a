//go:build gcp

package archive

import (
	"context"
	"fmt"
	"os"
)

func newGCSFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("ORCHESTRATOR_ARCHIVE_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("archive: ORCHESTRATOR_ARCHIVE_GCS_BUCKET is required for gcs")
	}
	return NewGCSStore(ctx, GCSConfig{
		Bucket: bucket,
		Prefix: os.Getenv("ORCHESTRATOR_ARCHIVE_GCS_PREFIX"),
	})
}
