package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/splax/localship/internal/domain"
	"github.com/splax/localship/internal/runtime"
)

type staticLister []domain.Deployment

func (s staticLister) ListDeployments(context.Context) ([]domain.Deployment, error) {
	return s, nil
}

type fakeStats map[string]runtime.Stats

func (f fakeStats) Stats(_ context.Context, ref string) (runtime.Stats, error) {
	stats, ok := f[ref]
	if !ok {
		return runtime.Stats{}, errors.New("no such container")
	}
	return stats, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *capturePublisher) Emit(event domain.Event) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func TestSampleOncePublishesRunningDeployments(t *testing.T) {
	lister := staticLister{
		{Name: "api", Status: domain.StatusRunning, Port: 40001, ContainerRef: "c-api"},
		{Name: "web", Status: domain.StatusRunning, Port: 40002, ContainerRef: "c-web"},
		{Name: "old", Status: domain.StatusFailed, ContainerRef: "c-old"},
	}
	stats := fakeStats{"c-api": {CPUPercent: 12.5, MemoryBytes: 1 << 20, MemoryLimitBytes: 1 << 30}}
	rollup := NewRollup(0)
	rollup.Record(domain.RequestLog{DeploymentName: "api", Status: 200, DurationMS: 4})
	pub := &capturePublisher{}

	sampler := NewSampler(lister, stats, rollup, pub, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sampler.SampleOnce(context.Background())

	if len(pub.events) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(pub.events))
	}
	first := pub.events[0]
	if first.Type != domain.EventMetricsUpdate || first.DeploymentName != "api" {
		t.Fatalf("unexpected event %+v", first)
	}
	update := first.Data.(Update)
	if update.CPUPercent != 12.5 || update.MemoryBytes != 1<<20 || update.Requests.Count != 1 {
		t.Fatalf("unexpected update %+v", update)
	}
	if second := pub.events[1].Data.(Update); second.CPUPercent != 0 || second.Requests.Count != 0 {
		t.Fatalf("stats failure should publish an empty sample, got %+v", second)
	}
}
