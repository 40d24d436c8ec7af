package deploy

import (
	"errors"
	"fmt"
	"time"

	"github.com/splax/localship/internal/workspace"
)

var (
	// ErrInvalidName indicates the deployment name is not a valid DNS label.
	ErrInvalidName = errors.New("invalid deployment name")
	// ErrUnknownProjectType indicates the bundle matched no build strategy.
	ErrUnknownProjectType = errors.New("unknown project type")
	// ErrNotFound indicates the deployment does not exist.
	ErrNotFound = errors.New("deployment not found")
	// ErrBusy indicates another operation currently holds the deployment.
	ErrBusy = errors.New("deployment is busy")
	// ErrInvalidSettings indicates a settings update carried no changes.
	ErrInvalidSettings = errors.New("no settings provided")
	// ErrNoFreePort indicates no loopback port could be allocated.
	ErrNoFreePort = errors.New("no free port available")
	// ErrNoContainer indicates the deployment has never been started.
	ErrNoContainer = errors.New("deployment has no container")
)

// BuildError reports an image build failure together with its duration.
type BuildError struct {
	Name     string
	Duration time.Duration
	Err      error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s failed after %s: %v", e.Name, e.Duration.Round(time.Millisecond), e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// IsInputError reports whether err was caused by the caller's input, in which
// case no deployment state was changed.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrUnknownProjectType) ||
		errors.Is(err, ErrInvalidSettings) ||
		errors.Is(err, workspace.ErrInvalidBundle)
}
