package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/localship/internal/runtime"
)

const (
	defaultLogTail   = 100
	logRetryInterval = 2 * time.Second
	maxLogLineBytes  = 1 << 20
)

// LogSource follows container output.
type LogSource interface {
	StreamLogs(ctx context.Context, ref string, tail int) (io.ReadCloser, error)
}

// Sink receives log lines. It runs on the follower goroutine and must not block.
type Sink func(line string)

// LogStreams keeps one follower per deployment shared by every subscriber.
// The follower stops when the last subscriber leaves.
type LogStreams struct {
	mu      sync.Mutex
	streams map[string]*logStream

	// done channels of released followers that may still be closing their reader
	stopping map[string]chan struct{}

	source   LogSource
	registry Registry
	tail     int
	retry    time.Duration
	logger   *slog.Logger
}

type logStream struct {
	cancel context.CancelFunc
	done   chan struct{}
	nextID uint64
	sinks  map[uint64]Sink
}

// NewLogStreams constructs an empty set of followers.
func NewLogStreams(source LogSource, registry Registry, tail int, logger *slog.Logger) *LogStreams {
	if tail <= 0 {
		tail = defaultLogTail
	}
	return &LogStreams{
		streams:  make(map[string]*logStream),
		stopping: make(map[string]chan struct{}),
		source:   source,
		registry: registry,
		tail:     tail,
		retry:    logRetryInterval,
		logger:   logger.With("component", "log_streams"),
	}
}

// Subscribe attaches sink to the deployment's follower, starting it if
// needed. The returned release is idempotent.
func (l *LogStreams) Subscribe(name string, sink Sink) (release func()) {
	l.mu.Lock()
	stream, ok := l.streams[name]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		stream = &logStream{
			cancel: cancel,
			done:   make(chan struct{}),
			sinks:  make(map[uint64]Sink),
		}
		l.streams[name] = stream
		prev := l.stopping[name]
		delete(l.stopping, name)
		go l.follow(ctx, name, stream, prev)
	}
	stream.nextID++
	id := stream.nextID
	stream.sinks[id] = sink
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.release(name, stream, id) })
	}
}

func (l *LogStreams) release(name string, stream *logStream, id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(stream.sinks, id)
	if len(stream.sinks) > 0 {
		return
	}
	stream.cancel()
	if l.streams[name] == stream {
		delete(l.streams, name)
		l.stopping[name] = stream.done
	}
}

// Active reports the number of running followers.
func (l *LogStreams) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.streams)
}

// Subscribers reports how many sinks share the follower for name.
func (l *LogStreams) Subscribers(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if stream, ok := l.streams[name]; ok {
		return len(stream.sinks)
	}
	return 0
}

// Close stops every follower.
func (l *LogStreams) Close() {
	l.mu.Lock()
	streams := l.streams
	l.streams = make(map[string]*logStream)
	l.mu.Unlock()
	for _, stream := range streams {
		stream.cancel()
		<-stream.done
	}
}

// follow streams the container's output until ctx is cancelled, reattaching
// after the container restarts or is redeployed. It starts only once the
// previous follower for name, if any, has closed its reader.
func (l *LogStreams) follow(ctx context.Context, name string, stream *logStream, prev <-chan struct{}) {
	defer func() {
		l.mu.Lock()
		if l.stopping[name] == stream.done {
			delete(l.stopping, name)
		}
		l.mu.Unlock()
		close(stream.done)
	}()
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			<-prev
			return
		}
	}
	log := l.logger.With("deployment", name)
	tail := l.tail
	for {
		err := l.followOnce(ctx, name, stream, tail)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Debug("log stream interrupted", "error", err)
		}
		tail = 0
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.retry):
		}
	}
}

func (l *LogStreams) followOnce(ctx context.Context, name string, stream *logStream, tail int) error {
	deployment, err := l.registry.GetDeployment(ctx, name)
	if err != nil {
		return err
	}
	if deployment.ContainerRef == "" {
		return errors.New("deployment has no container")
	}
	reader, err := l.source.StreamLogs(ctx, deployment.ContainerRef, tail)
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			return fmt.Errorf("container %s not found", deployment.ContainerRef)
		}
		return err
	}
	defer reader.Close()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), maxLogLineBytes)
	for scanner.Scan() {
		l.deliver(stream, scanner.Text())
	}
	return scanner.Err()
}

func (l *LogStreams) deliver(stream *logStream, line string) {
	l.mu.Lock()
	sinks := make([]Sink, 0, len(stream.sinks))
	for _, sink := range stream.sinks {
		sinks = append(sinks, sink)
	}
	l.mu.Unlock()
	for _, sink := range sinks {
		sink(line)
	}
}
