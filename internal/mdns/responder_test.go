package mdns

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"
)

const typeAAAA uint16 = 28

type packet struct {
	data []byte
	addr net.Addr
}

type fakeConn struct {
	inbox  chan packet
	mu     sync.Mutex
	sent   []packet
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan packet, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case p := <-f.inbox:
		return copy(b, p.data), p.addr, nil
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	f.mu.Lock()
	f.sent = append(f.sent, packet{data: append([]byte(nil), b...), addr: addr})
	f.mu.Unlock()
	return len(b), nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) LocalAddr() net.Addr { return &net.UDPAddr{IP: net.IPv4zero, Port: mdnsPort} }

func (f *fakeConn) SetDeadline(time.Time) error { return nil }

func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) waitSent(t *testing.T, n int) []packet {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.sent) >= n {
			out := append([]packet(nil), f.sent...)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d packets", n)
	return nil
}

func newTestResponder(t *testing.T) *Responder {
	t.Helper()
	r, err := New(Options{LANIP: "192.168.1.20"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return r
}

func TestResponderAnswersRegisteredNames(t *testing.T) {
	r := newTestResponder(t)
	r.Register("Notes")
	if !r.Registered("notes") {
		t.Fatalf("expected notes to be registered")
	}

	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.serve(ctx, conn) }()

	multicastPeer := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 30), Port: mdnsPort}
	legacyPeer := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 31), Port: 53000}

	conn.inbox <- packet{data: []byte{0xFF}, addr: multicastPeer}
	conn.inbox <- packet{data: buildQuery(t, 7, "ghost.local", TypeA, ClassIN), addr: multicastPeer}
	conn.inbox <- packet{data: buildQuery(t, 8, "notes.local", typeAAAA, ClassIN), addr: multicastPeer}
	conn.inbox <- packet{data: buildQuery(t, 9, "notes.local", TypeA, ClassIN), addr: multicastPeer}
	conn.inbox <- packet{data: buildQuery(t, 10, "NOTES.local", TypeANY, ClassIN), addr: legacyPeer}
	conn.inbox <- packet{data: buildQuery(t, 11, "notes.local", TypeA, ClassIN|unicastBit), addr: multicastPeer}

	sent := conn.waitSent(t, 3)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve error: %v", err)
	}
	if len(sent) != 3 {
		t.Fatalf("expected exactly 3 answers, got %d", len(sent))
	}

	if sent[0].addr.String() != r.group.String() {
		t.Fatalf("expected multicast answer, sent to %v", sent[0].addr)
	}
	if id := uint16(sent[0].data[0])<<8 | uint16(sent[0].data[1]); id != 0 {
		t.Fatalf("multicast answers carry id 0, got %d", id)
	}
	if sent[1].addr.String() != legacyPeer.String() {
		t.Fatalf("expected unicast answer to legacy querier, sent to %v", sent[1].addr)
	}
	if id := uint16(sent[1].data[0])<<8 | uint16(sent[1].data[1]); id != 10 {
		t.Fatalf("legacy answers echo the query id, got %d", id)
	}
	if sent[2].addr.String() != multicastPeer.String() {
		t.Fatalf("expected unicast answer for QU question, sent to %v", sent[2].addr)
	}
	for _, p := range sent {
		if got := p.data[len(p.data)-4:]; net.IP(got).String() != "192.168.1.20" {
			t.Fatalf("unexpected address in answer: %v", net.IP(got))
		}
	}
}

func TestUnregisterStopsAnswering(t *testing.T) {
	r := newTestResponder(t)
	r.Register("api")
	r.Unregister("api")
	if r.Registered("api") {
		t.Fatalf("expected api to be unregistered")
	}
	conn := newFakeConn()
	r.handlePacket(conn, buildQuery(t, 1, "api.local", TypeA, ClassIN), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: mdnsPort})
	if len(conn.sent) != 0 {
		t.Fatalf("expected no answer, got %d", len(conn.sent))
	}
}

func TestRegisterAnnouncesWhenListening(t *testing.T) {
	r := newTestResponder(t)
	conn := newFakeConn()
	r.conn = conn
	r.Register("web")
	sent := conn.waitSent(t, 1)
	query, err := ParseQuery(sent[0].data)
	if err == nil || len(query.Questions) != 0 {
		t.Fatalf("announcement must be a response")
	}
	name, _, err := DecodeName(sent[0].data, headerLen)
	if err != nil || name != "web.local" {
		t.Fatalf("unexpected announced name %q (%v)", name, err)
	}
}

func TestNewRejectsInvalidLANIP(t *testing.T) {
	if _, err := New(Options{LANIP: "not-an-ip"}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatalf("expected error for invalid LAN_IP")
	}
}
