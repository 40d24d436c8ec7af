package metrics

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/splax/localship/internal/domain"
	"github.com/splax/localship/internal/events"
	"github.com/splax/localship/internal/runtime"
)

const (
	defaultSampleInterval = 10 * time.Second
	statsTimeout          = 5 * time.Second
)

// DeploymentLister reads the deployment registry.
type DeploymentLister interface {
	ListDeployments(ctx context.Context) ([]domain.Deployment, error)
}

// StatsReader samples container resource usage.
type StatsReader interface {
	Stats(ctx context.Context, ref string) (runtime.Stats, error)
}

// Update is the payload of a metrics:update event.
type Update struct {
	CPUPercent       float64        `json:"cpuPercent"`
	MemoryBytes      uint64         `json:"memoryBytes"`
	MemoryLimitBytes uint64         `json:"memoryLimitBytes"`
	Requests         RequestSummary `json:"requests"`
	SampledAt        time.Time      `json:"sampledAt"`
}

// Sampler periodically publishes resource usage and request summaries for
// running deployments.
type Sampler struct {
	deployments DeploymentLister
	stats       StatsReader
	rollup      *Rollup
	publisher   events.Publisher
	interval    time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewSampler constructs a Sampler.
func NewSampler(deployments DeploymentLister, stats StatsReader, rollup *Rollup, pub events.Publisher, interval time.Duration, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	return &Sampler{
		deployments: deployments,
		stats:       stats,
		rollup:      rollup,
		publisher:   pub,
		interval:    interval,
		logger:      logger.With("component", "metrics_sampler"),
		now:         time.Now,
	}
}

// Run samples until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SampleOnce(ctx)
		}
	}
}

// SampleOnce publishes one metrics:update per running deployment.
func (s *Sampler) SampleOnce(ctx context.Context) {
	deployments, err := s.deployments.ListDeployments(ctx)
	if err != nil {
		s.logger.Warn("list deployments failed", "error", err)
		return
	}
	for _, deployment := range deployments {
		if !deployment.Reachable() || deployment.ContainerRef == "" {
			s.rollup.Forget(deployment.Name)
			continue
		}
		update := Update{
			Requests:  s.rollup.Flush(deployment.Name),
			SampledAt: s.now().UTC(),
		}
		statsCtx, cancel := context.WithTimeout(ctx, statsTimeout)
		stats, err := s.stats.Stats(statsCtx, deployment.ContainerRef)
		cancel()
		switch {
		case err == nil:
			update.CPUPercent = stats.CPUPercent
			update.MemoryBytes = stats.MemoryBytes
			update.MemoryLimitBytes = stats.MemoryLimitBytes
		case errors.Is(err, context.Canceled):
			return
		default:
			s.logger.Debug("container stats unavailable", "deployment", deployment.Name, "error", err)
		}
		s.publisher.Emit(domain.Event{
			Type:           domain.EventMetricsUpdate,
			DeploymentName: deployment.Name,
			Data:           update,
		})
	}
}
