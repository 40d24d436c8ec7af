// Package ws multiplexes bus events, container log streams and exec sessions
// over per-client WebSocket connections.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/splax/localship/internal/domain"
	"github.com/splax/localship/internal/events"
	"github.com/splax/localship/internal/runtime"
)

const (
	// ChannelDeployments carries events of every deployment.
	ChannelDeployments = "deployments"

	channelPrefix = "deployment:"
	logsSuffix    = ":logs"
)

// Registry resolves a deployment to its container.
type Registry interface {
	GetDeployment(ctx context.Context, name string) (*domain.Deployment, error)
}

// BuildBackfill exposes in-progress build output. Attach must run fn while
// no build output can be published.
type BuildBackfill interface {
	Attach(fn func(active map[string]string))
}

// ExecRunner starts interactive processes in containers.
type ExecRunner interface {
	Exec(ctx context.Context, ref string, cmd []string) (runtime.ExecSession, error)
}

// Hub routes bus events to subscribed clients.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Client]struct{}
	clients map[*Client]map[string]struct{}

	builds   BuildBackfill
	logs     *LogStreams
	registry Registry
	exec     ExecRunner
	logger   *slog.Logger
}

// NewHub constructs a Hub. builds and exec may be nil.
func NewHub(builds BuildBackfill, logs *LogStreams, registry Registry, exec ExecRunner, logger *slog.Logger) *Hub {
	return &Hub{
		subs:     make(map[string]map[*Client]struct{}),
		clients:  make(map[*Client]map[string]struct{}),
		builds:   builds,
		logs:     logs,
		registry: registry,
		exec:     exec,
		logger:   logger.With("component", "ws_hub"),
	}
}

// Attach subscribes the hub to bus. The returned function detaches it.
func (h *Hub) Attach(bus *events.Bus) func() {
	return bus.Subscribe(h.Dispatch)
}

// Dispatch delivers event to every client subscribed to one of its
// channels, at most once per client.
func (h *Hub) Dispatch(event domain.Event) {
	channels := []string{ChannelDeployments}
	if event.DeploymentName != "" {
		channels = append(channels, channelPrefix+event.DeploymentName)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	var targets map[*Client]struct{}
	for _, channel := range channels {
		for client := range h.subs[channel] {
			if targets == nil {
				targets = make(map[*Client]struct{})
			}
			targets[client] = struct{}{}
		}
	}
	if len(targets) == 0 {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal event failed", "type", event.Type, "error", err)
		return
	}
	for client := range targets {
		client.enqueue(payload)
	}
}

// subscribe adds client to channel and, while a build is running, sends the
// accumulated build text. The backfill and subsequent live lines are
// neither duplicated nor interleaved.
func (h *Hub) subscribe(client *Client, channel string) {
	if h.builds == nil {
		h.addSubscription(client, channel)
		return
	}
	h.builds.Attach(func(active map[string]string) {
		added, prior := h.addSubscription(client, channel)
		if !added {
			return
		}
		_, sawAll := prior[ChannelDeployments]
		for name, text := range active {
			if channel != ChannelDeployments && channel != channelPrefix+name {
				continue
			}
			if _, sawOne := prior[channelPrefix+name]; sawAll || sawOne {
				continue
			}
			client.sendEvent(domain.Event{
				Type:           domain.EventBuildOutput,
				DeploymentName: name,
				Data:           map[string]any{"output": text, "backfill": true},
			})
		}
	})
}

// addSubscription records the subscription and returns the channels the
// client held before it.
func (h *Hub) addSubscription(client *Client, channel string) (bool, map[string]struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	channels, ok := h.clients[client]
	if !ok {
		channels = make(map[string]struct{})
		h.clients[client] = channels
	}
	if _, dup := channels[channel]; dup {
		return false, nil
	}
	prior := make(map[string]struct{}, len(channels))
	for existing := range channels {
		prior[existing] = struct{}{}
	}
	channels[channel] = struct{}{}
	set, ok := h.subs[channel]
	if !ok {
		set = make(map[*Client]struct{})
		h.subs[channel] = set
	}
	set[client] = struct{}{}
	return true, prior
}

func (h *Hub) unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if channels, ok := h.clients[client]; ok {
		delete(channels, channel)
	}
	h.dropLocked(client, channel)
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for channel := range h.clients[client] {
		h.dropLocked(client, channel)
	}
	delete(h.clients, client)
}

func (h *Hub) dropLocked(client *Client, channel string) {
	set, ok := h.subs[channel]
	if !ok {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.subs, channel)
	}
}

// Subscribers reports how many clients listen on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// parseChannel splits a channel into its deployment name and whether it is
// a log channel. ok is false for unknown channels.
func parseChannel(channel string) (name string, logs bool, ok bool) {
	if channel == ChannelDeployments {
		return "", false, true
	}
	rest, found := strings.CutPrefix(channel, channelPrefix)
	if !found || rest == "" {
		return "", false, false
	}
	if base, isLogs := strings.CutSuffix(rest, logsSuffix); isLogs {
		if base == "" || strings.Contains(base, ":") {
			return "", false, false
		}
		return base, true, true
	}
	if strings.Contains(rest, ":") {
		return "", false, false
	}
	return rest, false, true
}
