package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/localship/internal/domain"
	"github.com/splax/localship/internal/repository"
	"github.com/splax/localship/internal/runtime"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mapRegistry map[string]domain.Deployment

func (m mapRegistry) GetDeployment(_ context.Context, name string) (*domain.Deployment, error) {
	d, ok := m[name]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

type staticBuilds map[string]string

func (s staticBuilds) Attach(fn func(map[string]string)) {
	fn(map[string]string(s))
}

type pipeSource struct {
	mu         sync.Mutex
	writers    []*io.PipeWriter
	opened     chan struct{}
	open       int
	maxOpen    int
	closeDelay time.Duration
}

func newPipeSource() *pipeSource {
	return &pipeSource{opened: make(chan struct{}, 8)}
}

func (p *pipeSource) StreamLogs(ctx context.Context, _ string, _ int) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	p.mu.Lock()
	p.writers = append(p.writers, pw)
	p.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = pw.CloseWithError(ctx.Err())
	}()
	p.mu.Lock()
	p.open++
	if p.open > p.maxOpen {
		p.maxOpen = p.open
	}
	p.mu.Unlock()
	p.opened <- struct{}{}
	return &trackedReader{PipeReader: pr, source: p}, nil
}

func (p *pipeSource) peakOpen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxOpen
}

type trackedReader struct {
	*io.PipeReader
	source *pipeSource
	once   sync.Once
}

func (r *trackedReader) Close() error {
	r.once.Do(func() {
		time.Sleep(r.source.closeDelay)
		r.source.mu.Lock()
		r.source.open--
		r.source.mu.Unlock()
	})
	return r.PipeReader.Close()
}

func (p *pipeSource) write(t *testing.T, line string) {
	t.Helper()
	p.mu.Lock()
	w := p.writers[len(p.writers)-1]
	p.mu.Unlock()
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		t.Fatalf("write log line: %v", err)
	}
}

type fakeSession struct {
	pr     *io.PipeReader
	pw     *io.PipeWriter
	once   sync.Once
	closed chan struct{}
}

func newFakeSession() *fakeSession {
	pr, pw := io.Pipe()
	return &fakeSession{pr: pr, pw: pw, closed: make(chan struct{})}
}

func (s *fakeSession) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	go func() { _, _ = s.pw.Write([]byte("echo:" + string(p))) }()
	return len(p), nil
}

func (s *fakeSession) Output() io.Reader { return s.pr }

func (s *fakeSession) Wait(context.Context) (int, error) { return 0, nil }

func (s *fakeSession) Close() error {
	s.once.Do(func() {
		close(s.closed)
		_ = s.pw.Close()
	})
	return nil
}

type fakeExec struct {
	mu       sync.Mutex
	sessions []*fakeSession
}

func (f *fakeExec) Exec(_ context.Context, ref string, _ []string) (runtime.ExecSession, error) {
	if ref == "" {
		return nil, errors.New("no container")
	}
	s := newFakeSession()
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeExec) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func startServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(conn, "tester")
	}))
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var event domain.Event
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return event
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected no frame, got %s", data)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatchFiltersAndDeduplicates(t *testing.T) {
	hub := NewHub(nil, nil, nil, nil, discardLogger())
	server := startServer(t, hub)

	a := dial(t, server)
	b := dial(t, server)
	send(t, a, `{"subscribe":"deployments"}`)
	send(t, a, `{"subscribe":"deployment:api"}`)
	send(t, b, `{"subscribe":"deployment:web"}`)
	send(t, b, `not json`)
	eventually(t, "subscriptions", func() bool {
		return hub.Subscribers(ChannelDeployments) == 1 && hub.Subscribers("deployment:api") == 1 && hub.Subscribers("deployment:web") == 1
	})

	hub.Dispatch(domain.Event{Type: domain.EventDeploymentStatus, DeploymentName: "api", Data: map[string]any{"status": "running"}})

	got := readEvent(t, a)
	if got.Type != domain.EventDeploymentStatus || got.DeploymentName != "api" {
		t.Fatalf("unexpected event %+v", got)
	}
	expectSilence(t, a)
	expectSilence(t, b)

	hub.Dispatch(domain.Event{Type: domain.EventDeploymentStatus, DeploymentName: "web"})
	if got := readEvent(t, b); got.DeploymentName != "web" {
		t.Fatalf("unexpected event for b %+v", got)
	}
	if got := readEvent(t, a); got.DeploymentName != "web" {
		t.Fatalf("deployments channel should see web too, got %+v", got)
	}

	send(t, a, `{"unsubscribe":"deployments"}`)
	eventually(t, "unsubscribe", func() bool { return hub.Subscribers(ChannelDeployments) == 0 })
	hub.Dispatch(domain.Event{Type: domain.EventDeploymentStatus, DeploymentName: "web"})
	expectSilence(t, a)
}

func TestSubscribeBackfillsActiveBuild(t *testing.T) {
	hub := NewHub(staticBuilds{"api": "step 1\nstep 2\n"}, nil, nil, nil, discardLogger())
	server := startServer(t, hub)
	conn := dial(t, server)

	send(t, conn, `{"subscribe":"deployment:api"}`)
	got := readEvent(t, conn)
	data, _ := got.Data.(map[string]any)
	if got.Type != domain.EventBuildOutput || data["backfill"] != true || data["output"] != "step 1\nstep 2\n" {
		t.Fatalf("unexpected backfill %+v", got)
	}

	send(t, conn, `{"subscribe":"deployments"}`)
	expectSilence(t, conn)

	send(t, conn, `{"subscribe":"deployment:web"}`)
	expectSilence(t, conn)
}

func TestLogStreamsAreSharedAndRefcounted(t *testing.T) {
	source := newPipeSource()
	registry := mapRegistry{"api": {Name: "api", Status: domain.StatusRunning, ContainerRef: "c-api"}}
	logs := NewLogStreams(source, registry, 0, discardLogger())
	t.Cleanup(logs.Close)
	hub := NewHub(nil, logs, registry, nil, discardLogger())
	server := startServer(t, hub)

	a := dial(t, server)
	b := dial(t, server)
	send(t, a, `{"subscribe":"deployment:api:logs"}`)
	send(t, b, `{"subscribe":"deployment:api:logs"}`)
	send(t, b, `{"subscribe":"deployment:api:logs"}`)
	eventually(t, "two log subscribers", func() bool { return logs.Subscribers("api") == 2 })
	<-source.opened
	if logs.Active() != 1 {
		t.Fatalf("expected one follower, got %d", logs.Active())
	}

	source.write(t, "listening on 3000")
	for _, conn := range []*websocket.Conn{a, b} {
		got := readEvent(t, conn)
		data, _ := got.Data.(map[string]any)
		if got.Type != domain.EventContainerLogs || data["line"] != "listening on 3000" {
			t.Fatalf("unexpected log event %+v", got)
		}
	}

	hub.Dispatch(domain.Event{Type: domain.EventDeploymentStatus, DeploymentName: "api"})
	expectSilence(t, a)

	send(t, a, `{"unsubscribe":"deployment:api:logs"}`)
	eventually(t, "one log subscriber", func() bool { return logs.Subscribers("api") == 1 })
	_ = b.Close()
	eventually(t, "follower teardown", func() bool { return logs.Active() == 0 })

	send(t, a, `{"subscribe":"deployment:api:logs"}`)
	eventually(t, "follower restart", func() bool { return logs.Active() == 1 })
}

func TestLogStreamResubscribeWaitsForPreviousFollower(t *testing.T) {
	source := newPipeSource()
	source.closeDelay = 100 * time.Millisecond
	registry := mapRegistry{"api": {Name: "api", Status: domain.StatusRunning, ContainerRef: "c-api"}}
	logs := NewLogStreams(source, registry, 0, discardLogger())
	t.Cleanup(logs.Close)

	lines := make(chan string, 4)
	sink := func(line string) {
		select {
		case lines <- line:
		default:
		}
	}

	release := logs.Subscribe("api", sink)
	<-source.opened
	release()
	release = logs.Subscribe("api", sink)
	defer release()

	select {
	case <-source.opened:
	case <-time.After(2 * time.Second):
		t.Fatalf("second follower never opened a reader")
	}
	if peak := source.peakOpen(); peak != 1 {
		t.Fatalf("expected at most one open log reader, saw %d", peak)
	}

	source.write(t, "ready")
	select {
	case line := <-lines:
		if line != "ready" {
			t.Fatalf("unexpected line %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("second follower delivered nothing")
	}
}

func TestExecSessionIsSingular(t *testing.T) {
	registry := mapRegistry{"api": {Name: "api", Status: domain.StatusRunning, ContainerRef: "c-api"}}
	exec := &fakeExec{}
	hub := NewHub(nil, nil, registry, exec, discardLogger())
	server := startServer(t, hub)
	conn := dial(t, server)

	send(t, conn, `{"exec":"api"}`)
	eventually(t, "first session", func() bool { return exec.count() == 1 })
	send(t, conn, `{"exec:input":"ls\n"}`)
	if got := readEvent(t, conn); got.Type != domain.EventExecOutput || got.Data.(map[string]any)["output"] != "echo:ls\n" {
		t.Fatalf("unexpected exec output %+v", got)
	}

	send(t, conn, `{"exec":"api"}`)
	exit := readEvent(t, conn)
	if exit.Type != domain.EventExecExit || exit.Data.(map[string]any)["code"] != float64(0) {
		t.Fatalf("expected exit of first session, got %+v", exit)
	}
	eventually(t, "second session", func() bool { return exec.count() == 2 })
	select {
	case <-exec.sessions[0].closed:
	default:
		t.Fatalf("first session must be closed before the second starts")
	}

	send(t, conn, `{"exec:end":true}`)
	if got := readEvent(t, conn); got.Type != domain.EventExecExit {
		t.Fatalf("expected exit after exec:end, got %+v", got)
	}

	send(t, conn, `{"exec":"ghost"}`)
	got := readEvent(t, conn)
	if got.Type != domain.EventExecExit || got.Data.(map[string]any)["code"] != float64(-1) {
		t.Fatalf("expected failed exit for unknown deployment, got %+v", got)
	}
}

func TestExecReleasedOnDisconnect(t *testing.T) {
	registry := mapRegistry{"api": {Name: "api", Status: domain.StatusRunning, ContainerRef: "c-api"}}
	exec := &fakeExec{}
	hub := NewHub(nil, nil, registry, exec, discardLogger())
	server := startServer(t, hub)
	conn := dial(t, server)

	send(t, conn, `{"exec":"api"}`)
	eventually(t, "session", func() bool { return exec.count() == 1 })
	_ = conn.Close()

	select {
	case <-exec.sessions[0].closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("exec session should be closed when the socket closes")
	}
}

func TestEnqueueOverflowClosesClient(t *testing.T) {
	client := &Client{
		log:  discardLogger(),
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
	for i := 0; i < sendQueueSize; i++ {
		if !client.enqueue([]byte("x")) {
			t.Fatalf("enqueue %d should succeed", i)
		}
	}
	if client.enqueue([]byte("overflow")) {
		t.Fatalf("enqueue beyond capacity should fail")
	}
	select {
	case <-client.done:
	default:
		t.Fatalf("overflow should close the client")
	}
	if client.enqueue([]byte("late")) {
		t.Fatalf("closed client must reject payloads")
	}
}

func TestParseChannel(t *testing.T) {
	cases := []struct {
		channel string
		name    string
		logs    bool
		ok      bool
	}{
		{"deployments", "", false, true},
		{"deployment:api", "api", false, true},
		{"deployment:api:logs", "api", true, true},
		{"deployment:", "", false, false},
		{"deployment::logs", "", false, false},
		{"deployment:a:b", "", false, false},
		{"builds", "", false, false},
	}
	for _, tc := range cases {
		name, logs, ok := parseChannel(tc.channel)
		if name != tc.name || logs != tc.logs || ok != tc.ok {
			t.Fatalf("parseChannel(%q) = %q %v %v", tc.channel, name, logs, ok)
		}
	}
}
