package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// StreamLogs follows the container's stdout and stderr. The returned reader
// yields demultiplexed output until the container stops or it is closed.
func (c *Client) StreamLogs(ctx context.Context, ref string, tail int) (io.ReadCloser, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       "all",
	}
	if tail >= 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	raw, err := c.inner.ContainerLogs(ctx, ref, opts)
	if err != nil {
		return nil, fmt.Errorf("container logs: %w", mapError(err))
	}

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, raw)
		_ = pw.CloseWithError(copyErr)
	}()
	return &logReader{PipeReader: pr, raw: raw}, nil
}

type logReader struct {
	*io.PipeReader
	raw  io.ReadCloser
	once sync.Once
}

func (r *logReader) Close() error {
	var err error
	r.once.Do(func() {
		err = r.raw.Close()
		_ = r.PipeReader.Close()
	})
	return err
}
