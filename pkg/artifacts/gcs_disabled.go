//go:build !gcp

package artifacts

import (
	"context"
	"errors"
)

func openGCS(context.Context, Config) (Archive, error) {
	return nil, errors.New("artifacts: GCS archive is not enabled in this build (use -tags gcp)")
}
