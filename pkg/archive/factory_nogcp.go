//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSFromEnv(context.Context) (Store, error) {
	return nil, fmt.Errorf("archive: gcs support is not in this build (use -tags gcp)")
}
