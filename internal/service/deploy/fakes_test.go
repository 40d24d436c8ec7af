package deploy

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/splax/localship/internal/domain"
	"github.com/splax/localship/internal/repository"
	"github.com/splax/localship/internal/runtime"
	"github.com/splax/localship/internal/workspace"
)

type memoryStore struct {
	mu          sync.Mutex
	deployments map[string]domain.Deployment
	history     []domain.HistoryEvent
	failUpdate  func(domain.Deployment) error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{deployments: make(map[string]domain.Deployment)}
}

func (m *memoryStore) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[d.Name]; ok {
		return repository.ErrConflict
	}
	m.deployments[d.Name] = *d
	return nil
}

func (m *memoryStore) UpdateDeployment(_ context.Context, d *domain.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdate != nil {
		if err := m.failUpdate(*d); err != nil {
			return err
		}
	}
	if _, ok := m.deployments[d.Name]; !ok {
		return repository.ErrNotFound
	}
	m.deployments[d.Name] = *d
	return nil
}

func (m *memoryStore) GetDeployment(_ context.Context, name string) (*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[name]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (m *memoryStore) ListDeployments(_ context.Context) ([]domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Deployment, 0, len(m.deployments))
	for _, d := range m.deployments {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memoryStore) DeleteDeployment(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[name]; !ok {
		return repository.ErrNotFound
	}
	delete(m.deployments, name)
	return nil
}

func (m *memoryStore) InsertHistory(_ context.Context, e domain.HistoryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, e)
	return nil
}

func (m *memoryStore) ListHistory(_ context.Context, name string, limit int) ([]domain.HistoryEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.HistoryEvent
	for _, e := range m.history {
		if e.DeploymentName == name {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memoryStore) kinds(name string) []domain.HistoryKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.HistoryKind
	for _, e := range m.history {
		if e.DeploymentName == name {
			out = append(out, e.Kind)
		}
	}
	return out
}

type fakeRuntime struct {
	mu         sync.Mutex
	buildLines []string
	buildErr   error
	runErr     error
	built      []runtime.BuildRequest
	runs       []runtime.RunRequest
	stopped    []string
	restarted  []string
	buildGate  chan struct{}
}

func (f *fakeRuntime) Ping(context.Context) error { return nil }

func (f *fakeRuntime) Build(ctx context.Context, req runtime.BuildRequest, onLine func(string)) error {
	f.mu.Lock()
	f.built = append(f.built, req)
	lines := append([]string(nil), f.buildLines...)
	gate := f.buildGate
	f.mu.Unlock()
	for _, line := range lines {
		onLine(line)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.buildErr
}

func (f *fakeRuntime) Run(_ context.Context, req runtime.RunRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return "", f.runErr
	}
	f.runs = append(f.runs, req)
	return "ctr-" + req.Name, nil
}

func (f *fakeRuntime) Stop(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, ref)
	return nil
}

func (f *fakeRuntime) Restart(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarted = append(f.restarted, ref)
	return nil
}

func (f *fakeRuntime) Inspect(context.Context, string) (runtime.ContainerState, error) {
	return runtime.ContainerState{Running: true}, nil
}

func (f *fakeRuntime) Stats(context.Context, string) (runtime.Stats, error) {
	return runtime.Stats{}, nil
}

func (f *fakeRuntime) StreamLogs(context.Context, string, int) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeRuntime) Exec(context.Context, string, []string) (runtime.ExecSession, error) {
	return nil, errors.New("not supported")
}

type fakeDiscovery struct {
	mu         sync.Mutex
	registered map[string]bool
}

func newFakeDiscovery() *fakeDiscovery {
	return &fakeDiscovery{registered: make(map[string]bool)}
}

func (f *fakeDiscovery) Register(name string) {
	f.mu.Lock()
	f.registered[name] = true
	f.mu.Unlock()
}

func (f *fakeDiscovery) Unregister(name string) {
	f.mu.Lock()
	delete(f.registered, name)
	f.mu.Unlock()
}

func (f *fakeDiscovery) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered[name]
}

type fakeBackups struct {
	err     error
	calls   int
	removed []string
}

func (f *fakeBackups) Backup(_ context.Context, name string) (domain.Backup, error) {
	f.calls++
	if f.err != nil {
		return domain.Backup{}, f.err
	}
	return domain.Backup{DeploymentName: name, Path: "/backups/" + name + ".tar.gz"}, nil
}

func (f *fakeBackups) Remove(name string) error {
	f.removed = append(f.removed, name)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingPublisher) Emit(event domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingPublisher) statuses(name string) []domain.DeploymentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DeploymentStatus
	for _, e := range r.events {
		if e.Type != domain.EventDeploymentStatus || e.DeploymentName != name {
			continue
		}
		data, _ := e.Data.(map[string]any)
		status, _ := data["status"].(domain.DeploymentStatus)
		out = append(out, status)
	}
	return out
}

func (r *recordingPublisher) ofType(typ domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	svc       *Service
	store     *memoryStore
	runtime   *fakeRuntime
	discovery *fakeDiscovery
	backups   *fakeBackups
	pub       *recordingPublisher
	workspace *workspace.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace.New error: %v", err)
	}
	h := &harness{
		store:     newMemoryStore(),
		runtime:   &fakeRuntime{buildLines: []string{"Step 1/2 : FROM scratch", "Successfully built"}},
		discovery: newFakeDiscovery(),
		backups:   &fakeBackups{},
		pub:       &recordingPublisher{},
		workspace: ws,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.svc = New(h.store, h.runtime, ws, h.discovery, h.backups, h.pub, nil, Options{}, logger)
	return h
}

func bundle(t *testing.T, files map[string]string) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		body := files[name]
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("write body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	return &buf
}
