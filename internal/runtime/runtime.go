// Package runtime defines the narrow container runtime boundary used by the
// orchestrator, the log streams and exec sessions.
package runtime

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound indicates the referenced container does not exist.
var ErrNotFound = errors.New("runtime: container not found")

// ErrUnavailable indicates the runtime daemon could not be reached.
var ErrUnavailable = errors.New("runtime: unavailable")

// BuildRequest describes an image build from a prepared source directory.
type BuildRequest struct {
	Dir string
	Tag string
}

// Mount binds a host directory into the container.
type Mount struct {
	Source string
	Target string
}

// RunRequest describes a container to create and start.
type RunRequest struct {
	Name          string
	Image         string
	HostPort      int
	ContainerPort int
	Env           []string
	Mounts        []Mount
	Labels        map[string]string
}

// ContainerState is a point-in-time view of a container.
type ContainerState struct {
	ID        string
	Status    string
	Running   bool
	ExitCode  int
	StartedAt time.Time
}

// Stats is a resource usage sample.
type Stats struct {
	CPUPercent       float64
	MemoryBytes      uint64
	MemoryLimitBytes uint64
}

// ExecSession is an interactive shell attached to a running container.
type ExecSession interface {
	// Write sends input to the process.
	Write(p []byte) (int, error)
	// Output yields process output until the process exits or the session closes.
	Output() io.Reader
	// Wait blocks until output is drained and returns the exit code.
	Wait(ctx context.Context) (int, error)
	// Close terminates the session and releases the process.
	Close() error
}

// Runtime is the container supervisor boundary.
type Runtime interface {
	Ping(ctx context.Context) error
	Build(ctx context.Context, req BuildRequest, onLine func(string)) error
	Run(ctx context.Context, req RunRequest) (string, error)
	Stop(ctx context.Context, ref string) error
	Restart(ctx context.Context, ref string) error
	Inspect(ctx context.Context, ref string) (ContainerState, error)
	Stats(ctx context.Context, ref string) (Stats, error)
	StreamLogs(ctx context.Context, ref string, tail int) (io.ReadCloser, error)
	Exec(ctx context.Context, ref string, cmd []string) (ExecSession, error)
}
