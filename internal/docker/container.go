package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"

	"github.com/splax/localship/internal/runtime"
)

const stopTimeoutSeconds = 10

// Run creates and starts a container publishing ContainerPort on the
// loopback HostPort. An existing container with the same name is replaced.
func (c *Client) Run(ctx context.Context, req runtime.RunRequest) (string, error) {
	if strings.TrimSpace(req.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(req.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}
	if req.HostPort <= 0 || req.ContainerPort <= 0 {
		return "", fmt.Errorf("container ports must be positive")
	}
	if err := c.removeContainer(ctx, req.Name); err != nil {
		return "", err
	}

	appPort := nat.Port(fmt.Sprintf("%d/tcp", req.ContainerPort))
	config := &container.Config{
		Image:        req.Image,
		Env:          req.Env,
		Labels:       req.Labels,
		ExposedPorts: nat.PortSet{appPort: struct{}{}},
	}

	mounts := make([]mount.Mount, 0, len(req.Mounts))
	for _, m := range req.Mounts {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: m.Source, Target: m.Target})
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			appPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(req.HostPort)}},
		},
		Mounts: mounts,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}

	created, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, req.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", mapError(err))
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = c.removeContainer(context.WithoutCancel(ctx), created.ID)
		return "", fmt.Errorf("container start: %w", mapError(err))
	}
	return created.ID, nil
}

// Stop stops and removes the container. A missing container is not an error.
func (c *Client) Stop(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("container reference cannot be empty")
	}
	timeout := stopTimeoutSeconds
	if err := c.inner.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeout}); err != nil {
		mapped := mapError(err)
		if !isNotFound(mapped) {
			return fmt.Errorf("container stop: %w", mapped)
		}
	}
	return c.removeContainer(ctx, ref)
}

// Restart restarts the container in place, keeping its identity.
func (c *Client) Restart(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("container reference cannot be empty")
	}
	timeout := stopTimeoutSeconds
	if err := c.inner.ContainerRestart(ctx, ref, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("container restart: %w", mapError(err))
	}
	return nil
}

// Inspect reports the container's current state.
func (c *Client) Inspect(ctx context.Context, ref string) (runtime.ContainerState, error) {
	info, err := c.inner.ContainerInspect(ctx, ref)
	if err != nil {
		return runtime.ContainerState{}, fmt.Errorf("container inspect: %w", mapError(err))
	}
	state := runtime.ContainerState{ID: info.ID}
	if info.State != nil {
		state.Status = info.State.Status
		state.Running = info.State.Running
		state.ExitCode = info.State.ExitCode
		if started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			state.StartedAt = started
		}
	}
	return state, nil
}

// Stats takes a single resource usage sample.
func (c *Client) Stats(ctx context.Context, ref string) (runtime.Stats, error) {
	resp, err := c.inner.ContainerStats(ctx, ref, false)
	if err != nil {
		return runtime.Stats{}, fmt.Errorf("container stats: %w", mapError(err))
	}
	defer resp.Body.Close()

	var sample statsSample
	if err := json.NewDecoder(resp.Body).Decode(&sample); err != nil {
		return runtime.Stats{}, fmt.Errorf("decode container stats: %w", err)
	}
	return sample.toStats(), nil
}

func (c *Client) removeContainer(ctx context.Context, ref string) error {
	if err := c.inner.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true}); err != nil {
		mapped := mapError(err)
		if isNotFound(mapped) {
			return nil
		}
		return fmt.Errorf("remove container: %w", mapped)
	}
	return nil
}

// statsSample mirrors the subset of the Engine stats payload used here.
type statsSample struct {
	CPUStats    cpuStats `json:"cpu_stats"`
	PreCPUStats cpuStats `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64            `json:"usage"`
		Limit uint64            `json:"limit"`
		Stats map[string]uint64 `json:"stats"`
	} `json:"memory_stats"`
}

type cpuStats struct {
	CPUUsage struct {
		TotalUsage  uint64   `json:"total_usage"`
		PercpuUsage []uint64 `json:"percpu_usage"`
	} `json:"cpu_usage"`
	SystemUsage uint64 `json:"system_cpu_usage"`
	OnlineCPUs  uint32 `json:"online_cpus"`
}

func (s statsSample) toStats() runtime.Stats {
	out := runtime.Stats{MemoryLimitBytes: s.MemoryStats.Limit}

	memory := s.MemoryStats.Usage
	// cgroup v2 reports inactive_file, v1 reports cache.
	if inactive, ok := s.MemoryStats.Stats["inactive_file"]; ok && inactive < memory {
		memory -= inactive
	} else if cache, ok := s.MemoryStats.Stats["cache"]; ok && cache < memory {
		memory -= cache
	}
	out.MemoryBytes = memory

	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	if cpuDelta > 0 && systemDelta > 0 {
		out.CPUPercent = cpuDelta / systemDelta * cpus * 100
	}
	return out
}
