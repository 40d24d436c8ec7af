package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/localship/internal/domain"
	"github.com/splax/localship/internal/runtime"
)

const (
	sendQueueSize  = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 64 * 1024
	execWaitLimit  = 5 * time.Second
	execReadBuffer = 4096
)

var execShell = []string{"/bin/sh"}

// frame is a client to server message.
type frame struct {
	Subscribe   string  `json:"subscribe,omitempty"`
	Unsubscribe string  `json:"unsubscribe,omitempty"`
	Exec        string  `json:"exec,omitempty"`
	ExecInput   *string `json:"exec:input,omitempty"`
	ExecEnd     bool    `json:"exec:end,omitempty"`
}

// Client is one WebSocket connection with a bounded outbound queue. A client
// that falls behind is disconnected instead of slowing anyone else down.
type Client struct {
	conn *websocket.Conn
	hub  *Hub
	log  *slog.Logger

	mu     sync.Mutex
	closed bool
	send   chan []byte
	done   chan struct{}

	// Owned by the read loop.
	logSubs map[string]func()
	exec    *execSession
}

type execSession struct {
	name    string
	session runtime.ExecSession
	done    chan struct{}
}

// Serve runs the connection until it closes. It blocks.
func (h *Hub) Serve(conn *websocket.Conn, username string) {
	client := &Client{
		conn:    conn,
		hub:     h,
		log:     h.logger.With("username", username, "remote", conn.RemoteAddr().String()),
		send:    make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
		logSubs: make(map[string]func()),
	}
	client.log.Info("websocket connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		client.writeLoop()
	}()
	client.readLoop()
	client.shutdown()
	<-writerDone
	client.log.Info("websocket disconnected")
}

// enqueue queues payload without blocking. Overflow closes the client.
func (c *Client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.log.Warn("websocket send queue full, disconnecting", "queue", sendQueueSize)
		c.closeLocked()
		return false
	}
}

func (c *Client) sendEvent(event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		c.log.Error("marshal event failed", "type", event.Type, "error", err)
		return
	}
	c.enqueue(payload)
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Debug("websocket write failed", "error", err)
				c.mu.Lock()
				c.closeLocked()
				c.mu.Unlock()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.mu.Lock()
				c.closeLocked()
				c.mu.Unlock()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) readLoop() {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && !c.isClosed() {
				c.log.Debug("websocket read failed", "error", err)
			}
			return
		}
		var msg frame
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("ignoring malformed frame", "error", err)
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg frame) {
	switch {
	case msg.Subscribe != "":
		c.subscribe(msg.Subscribe)
	case msg.Unsubscribe != "":
		c.unsubscribe(msg.Unsubscribe)
	case msg.Exec != "":
		c.startExec(msg.Exec)
	case msg.ExecInput != nil:
		c.execInput(*msg.ExecInput)
	case msg.ExecEnd:
		c.stopExec()
	default:
		c.log.Warn("ignoring frame without a known action")
	}
}

func (c *Client) subscribe(channel string) {
	name, logs, ok := parseChannel(channel)
	if !ok {
		c.log.Warn("ignoring subscription to unknown channel", "channel", channel)
		return
	}
	if !logs {
		c.hub.subscribe(c, channel)
		return
	}
	if c.hub.logs == nil {
		return
	}
	if _, dup := c.logSubs[name]; dup {
		return
	}
	c.logSubs[name] = c.hub.logs.Subscribe(name, func(line string) {
		c.sendEvent(domain.Event{
			Type:           domain.EventContainerLogs,
			DeploymentName: name,
			Data:           map[string]any{"line": line},
		})
	})
}

func (c *Client) unsubscribe(channel string) {
	name, logs, ok := parseChannel(channel)
	if !ok {
		return
	}
	if !logs {
		c.hub.unsubscribe(c, channel)
		return
	}
	if release, found := c.logSubs[name]; found {
		release()
		delete(c.logSubs, name)
	}
}

// startExec replaces any running session with a shell in name's container.
func (c *Client) startExec(name string) {
	c.stopExec()
	if c.hub.exec == nil || c.hub.registry == nil {
		c.sendExecExit(name, -1, "exec is not available")
		return
	}
	ctx := context.Background()
	deployment, err := c.hub.registry.GetDeployment(ctx, name)
	if err != nil || deployment.ContainerRef == "" {
		c.sendExecExit(name, -1, "deployment has no running container")
		return
	}
	session, err := c.hub.exec.Exec(ctx, deployment.ContainerRef, execShell)
	if err != nil {
		c.log.Warn("exec start failed", "deployment", name, "error", err)
		c.sendExecExit(name, -1, err.Error())
		return
	}
	state := &execSession{name: name, session: session, done: make(chan struct{})}
	c.exec = state
	go c.pumpExec(state)
	c.log.Info("exec session started", "deployment", name)
}

func (c *Client) pumpExec(state *execSession) {
	defer close(state.done)
	buf := make([]byte, execReadBuffer)
	output := state.session.Output()
	for {
		n, err := output.Read(buf)
		if n > 0 {
			c.sendEvent(domain.Event{
				Type:           domain.EventExecOutput,
				DeploymentName: state.name,
				Data:           map[string]any{"output": string(buf[:n])},
			})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Debug("exec output ended", "deployment", state.name, "error", err)
			}
			break
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), execWaitLimit)
	defer cancel()
	code, err := state.session.Wait(ctx)
	if err != nil {
		code = -1
	}
	_ = state.session.Close()
	c.sendExecExit(state.name, code, "")
}

func (c *Client) execInput(input string) {
	if c.exec == nil {
		return
	}
	select {
	case <-c.exec.done:
		c.exec = nil
		return
	default:
	}
	if _, err := c.exec.session.Write([]byte(input)); err != nil {
		c.log.Debug("exec input failed", "deployment", c.exec.name, "error", err)
		c.stopExec()
	}
}

// stopExec closes the current session and waits for its exit frame.
func (c *Client) stopExec() {
	if c.exec == nil {
		return
	}
	state := c.exec
	c.exec = nil
	_ = state.session.Close()
	<-state.done
	c.log.Info("exec session ended", "deployment", state.name)
}

func (c *Client) sendExecExit(name string, code int, message string) {
	data := map[string]any{"code": code}
	if message != "" {
		data["error"] = message
	}
	c.sendEvent(domain.Event{Type: domain.EventExecExit, DeploymentName: name, Data: data})
}

// shutdown releases everything the connection holds.
func (c *Client) shutdown() {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()

	c.hub.remove(c)
	for name, release := range c.logSubs {
		release()
		delete(c.logSubs, name)
	}
	c.stopExec()
}
