package deploy

import (
	"strings"
	"sync"

	"github.com/splax/localship/internal/domain"
	"github.com/splax/localship/internal/events"
)

// ActiveBuilds accumulates the output of in-progress builds. Appending and
// publishing happen under one lock, as do snapshotting and attaching, so a
// subscriber that attaches mid-build sees every line exactly once.
type ActiveBuilds struct {
	mu        sync.Mutex
	builds    map[string]*strings.Builder
	publisher events.Publisher
}

// NewActiveBuilds constructs an empty registry publishing to pub.
func NewActiveBuilds(pub events.Publisher) *ActiveBuilds {
	return &ActiveBuilds{
		builds:    make(map[string]*strings.Builder),
		publisher: pub,
	}
}

// Start resets the accumulated output for name.
func (a *ActiveBuilds) Start(name string) {
	a.mu.Lock()
	a.builds[name] = &strings.Builder{}
	a.mu.Unlock()
}

// Append records line and publishes it as build:output.
func (a *ActiveBuilds) Append(name, line string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.builds[name]
	if !ok {
		buf = &strings.Builder{}
		a.builds[name] = buf
	}
	buf.WriteString(line)
	buf.WriteByte('\n')
	a.publish(domain.Event{
		Type:           domain.EventBuildOutput,
		DeploymentName: name,
		Data:           map[string]any{"output": line},
	})
}

// Finish clears name and publishes the completion event.
func (a *ActiveBuilds) Finish(name string, complete domain.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.builds, name)
	a.publish(complete)
}

// Get returns the accumulated output for name.
func (a *ActiveBuilds) Get(name string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.builds[name]
	if !ok {
		return "", false
	}
	return buf.String(), true
}

// Attach calls fn with a snapshot of every active build while holding the
// registry lock. No build line is published while fn runs.
func (a *ActiveBuilds) Attach(fn func(active map[string]string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	snapshot := make(map[string]string, len(a.builds))
	for name, buf := range a.builds {
		snapshot[name] = buf.String()
	}
	fn(snapshot)
}

func (a *ActiveBuilds) publish(event domain.Event) {
	if a.publisher != nil {
		a.publisher.Emit(event)
	}
}
