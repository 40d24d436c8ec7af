package docker

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/client"

	"github.com/splax/localship/internal/runtime"
)

// mapError translates SDK errors into the runtime package's sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %v", runtime.ErrNotFound, err)
	case errdefs.IsUnavailable(err), client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %v", runtime.ErrUnavailable, err)
	default:
		return err
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, runtime.ErrNotFound)
}
