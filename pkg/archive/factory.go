package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Type selects an archive backend.
type Type string

const (
	TypeFS  Type = "fs"
	TypeS3  Type = "s3"
	TypeGCS Type = "gcs"
)

// NewFromEnv builds a store from ORCHESTRATOR_ARCHIVE_* variables.
//
//	ORCHESTRATOR_ARCHIVE_TYPE: "fs" (default), "s3", or "gcs"
//	ORCHESTRATOR_ARCHIVE_DIR:  fs base directory (default DATA_DIR/archive)
//	ORCHESTRATOR_ARCHIVE_S3_BUCKET / _REGION / _ENDPOINT / _PREFIX
//	ORCHESTRATOR_ARCHIVE_GCS_BUCKET / _PREFIX (requires the gcp build tag)
func NewFromEnv(ctx context.Context) (Store, error) {
	typ := Type(os.Getenv("ORCHESTRATOR_ARCHIVE_TYPE"))
	if typ == "" {
		typ = TypeFS
	}

	switch typ {
	case TypeFS:
		dir := os.Getenv("ORCHESTRATOR_ARCHIVE_DIR")
		if dir == "" {
			dataDir := os.Getenv("ORCHESTRATOR_DATA_DIR")
			if dataDir == "" {
				dataDir = "data"
			}
			dir = filepath.Join(dataDir, "archive")
		}
		return NewFileStore(dir)
	case TypeS3:
		bucket := os.Getenv("ORCHESTRATOR_ARCHIVE_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("archive: ORCHESTRATOR_ARCHIVE_S3_BUCKET is required for s3")
		}
		region := os.Getenv("ORCHESTRATOR_ARCHIVE_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("ORCHESTRATOR_ARCHIVE_S3_ENDPOINT"),
			Prefix:   os.Getenv("ORCHESTRATOR_ARCHIVE_S3_PREFIX"),
		})
	case TypeGCS:
		return newGCSFromEnv(ctx)
	default:
		return nil, fmt.Errorf("archive: unsupported type: %s", typ)
	}
}
