package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/splax/localship/internal/runtime"
)

const execPollInterval = 100 * time.Millisecond

// Exec starts an interactive TTY process inside the container.
func (c *Client) Exec(ctx context.Context, ref string, cmd []string) (runtime.ExecSession, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, fmt.Errorf("container reference cannot be empty")
	}
	if len(cmd) == 0 {
		cmd = []string{"/bin/sh"}
	}
	created, err := c.inner.ContainerExecCreate(ctx, ref, container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Env:          []string{"TERM=xterm-256color"},
		Cmd:          cmd,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", mapError(err))
	}
	attached, err := c.inner.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", mapError(err))
	}
	return &execSession{api: c.inner, id: created.ID, conn: attached}, nil
}

type execSession struct {
	api  *client.Client
	id   string
	conn types.HijackedResponse
	once sync.Once
}

func (s *execSession) Write(p []byte) (int, error) {
	return s.conn.Conn.Write(p)
}

func (s *execSession) Output() io.Reader {
	return s.conn.Reader
}

// Wait polls the exec instance until the process is no longer running.
func (s *execSession) Wait(ctx context.Context) (int, error) {
	ticker := time.NewTicker(execPollInterval)
	defer ticker.Stop()
	for {
		info, err := s.api.ContainerExecInspect(ctx, s.id)
		if err != nil {
			return -1, fmt.Errorf("exec inspect: %w", mapError(err))
		}
		if !info.Running {
			return info.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close hangs up the TTY; the shell receives EOF/SIGHUP and exits.
func (s *execSession) Close() error {
	s.once.Do(func() {
		_ = s.conn.CloseWrite()
		s.conn.Close()
	})
	return nil
}
