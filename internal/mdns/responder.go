package mdns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
)

const (
	mdnsPort       = 5353
	defaultAddr    = "224.0.0.251:5353"
	defaultTTL     = 120 * time.Second
	defaultRejoin  = 30 * time.Second
	maxPacketSize  = 9000
	hostnameSuffix = ".local"
)

// Options configures a Responder.
type Options struct {
	// Addr is the multicast group and port.
	Addr string
	// LANIP overrides address detection.
	LANIP  string
	TTL    time.Duration
	Rejoin time.Duration
}

// Responder answers A queries for registered <name>.local hostnames.
type Responder struct {
	mu    sync.RWMutex
	names map[string]struct{}

	connMu sync.Mutex
	conn   net.PacketConn
	pconn  *ipv4.PacketConn

	group  *net.UDPAddr
	ip     net.IP
	ttl    uint32
	rejoin time.Duration
	logger *slog.Logger
}

// New resolves the group address and the advertised LAN address. It does not
// bind a socket.
func New(opts Options, logger *slog.Logger) (*Responder, error) {
	if opts.Addr == "" {
		opts.Addr = defaultAddr
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Rejoin <= 0 {
		opts.Rejoin = defaultRejoin
	}
	group, err := net.ResolveUDPAddr("udp4", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve mdns group: %w", err)
	}
	ip, err := resolveLANIP(opts.LANIP)
	if err != nil {
		return nil, err
	}
	return &Responder{
		names:  make(map[string]struct{}),
		group:  group,
		ip:     ip,
		ttl:    uint32(opts.TTL / time.Second),
		rejoin: opts.Rejoin,
		logger: logger.With("component", "mdns"),
	}, nil
}

// IP returns the advertised address.
func (r *Responder) IP() net.IP {
	return r.ip
}

// Listen binds the mDNS port and joins the multicast group on every eligible
// interface. Bind failures are returned; join failures are only logged.
func (r *Responder) Listen(ctx context.Context) error {
	lc := listenConfig()
	conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", r.group.Port))
	if err != nil {
		return fmt.Errorf("bind mdns socket: %w", err)
	}
	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetMulticastTTL(255); err != nil {
		r.logger.Debug("set multicast ttl failed", "error", err)
	}
	if err := pconn.SetMulticastLoopback(true); err != nil {
		r.logger.Debug("set multicast loopback failed", "error", err)
	}
	r.connMu.Lock()
	r.conn = conn
	r.pconn = pconn
	r.connMu.Unlock()
	r.joinGroups()
	return nil
}

// Serve answers queries until ctx is cancelled. Listen must have succeeded.
func (r *Responder) Serve(ctx context.Context) error {
	r.connMu.Lock()
	conn := r.conn
	r.connMu.Unlock()
	if conn == nil {
		return errors.New("mdns: responder is not listening")
	}
	go r.rejoinLoop(ctx)
	return r.serve(ctx, conn)
}

func (r *Responder) serve(ctx context.Context, conn net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	r.logger.Info("mdns responder started", "ip", r.ip.String(), "group", r.group.String())
	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.Warn("mdns read failed", "error", err)
			continue
		}
		r.handlePacket(conn, buf[:n], from)
	}
}

// Close releases the socket.
func (r *Responder) Close() error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	r.pconn = nil
	return err
}

// Register makes name.local answerable and announces it.
func (r *Responder) Register(name string) {
	host := hostname(name)
	if host == "" {
		return
	}
	r.mu.Lock()
	r.names[host] = struct{}{}
	r.mu.Unlock()
	r.logger.Info("hostname registered", "host", host)
	r.announce(host)
}

// Unregister stops answering for name.local.
func (r *Responder) Unregister(name string) {
	host := hostname(name)
	r.mu.Lock()
	delete(r.names, host)
	r.mu.Unlock()
	r.logger.Info("hostname unregistered", "host", host)
}

// Registered reports whether name.local is answerable.
func (r *Responder) Registered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.names[hostname(name)]
	return ok
}

func (r *Responder) announce(host string) {
	r.connMu.Lock()
	conn := r.conn
	r.connMu.Unlock()
	if conn == nil {
		return
	}
	packet, err := BuildAResponse(0, host, r.ip, r.ttl)
	if err != nil {
		r.logger.Warn("build announcement failed", "host", host, "error", err)
		return
	}
	if _, err := conn.WriteTo(packet, r.group); err != nil {
		r.logger.Warn("announce failed", "host", host, "error", err)
	}
}

func (r *Responder) handlePacket(conn net.PacketConn, msg []byte, from net.Addr) {
	query, err := ParseQuery(msg)
	if err != nil {
		if !errors.Is(err, ErrNotQuery) {
			r.logger.Warn("dropping mdns packet", "from", from.String(), "error", err)
		}
		return
	}
	legacy := sourcePort(from) != mdnsPort
	for _, question := range query.Questions {
		host := strings.ToLower(strings.TrimSuffix(question.Name, "."))
		if !r.answers(host) || !question.Matches(host) {
			continue
		}
		unicast := legacy || question.UnicastResponse()
		var id uint16
		if unicast {
			id = query.Header.ID
		}
		packet, err := BuildAResponse(id, host, r.ip, r.ttl)
		if err != nil {
			r.logger.Warn("build response failed", "host", host, "error", err)
			continue
		}
		dst := net.Addr(r.group)
		if unicast {
			dst = from
		}
		if _, err := conn.WriteTo(packet, dst); err != nil {
			r.logger.Warn("send response failed", "host", host, "to", dst.String(), "error", err)
			continue
		}
		r.logger.Debug("answered query", "host", host, "to", dst.String())
	}
}

func (r *Responder) answers(host string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.names[host]
	return ok
}

func (r *Responder) rejoinLoop(ctx context.Context) {
	ticker := time.NewTicker(r.rejoin)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.joinGroups()
		}
	}
}

// joinGroups joins the group on every up, multicast-capable, non-loopback
// IPv4 interface. Interfaces that come up later are picked up on rejoin.
func (r *Responder) joinGroups() {
	r.connMu.Lock()
	pconn := r.pconn
	r.connMu.Unlock()
	if pconn == nil {
		return
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		r.logger.Warn("list interfaces failed", "error", err)
		return
	}
	group := &net.UDPAddr{IP: r.group.IP}
	joined := 0
	for i := range ifaces {
		iface := ifaces[i]
		if !eligibleInterface(iface) {
			continue
		}
		if err := pconn.JoinGroup(&iface, group); err != nil {
			r.logger.Debug("join multicast group failed", "interface", iface.Name, "error", err)
			continue
		}
		joined++
	}
	r.logger.Debug("multicast membership refreshed", "interfaces", joined)
}

func eligibleInterface(iface net.Interface) bool {
	if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagLoopback != 0 {
		return false
	}
	return interfaceIPv4(iface) != nil
}

func interfaceIPv4(iface net.Interface) net.IP {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
			return ip4
		}
	}
	return nil
}

func resolveLANIP(configured string) (net.IP, error) {
	if configured = strings.TrimSpace(configured); configured != "" {
		ip := net.ParseIP(configured).To4()
		if ip == nil {
			return nil, fmt.Errorf("mdns: LAN_IP %q is not an IPv4 address", configured)
		}
		return ip, nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ip := interfaceIPv4(iface); ip != nil {
			return ip, nil
		}
	}
	return nil, errors.New("mdns: no non-loopback IPv4 address found")
}

func hostname(name string) string {
	name = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
	if name == "" {
		return ""
	}
	if !strings.HasSuffix(name, hostnameSuffix) {
		name += hostnameSuffix
	}
	return name
}

func sourcePort(addr net.Addr) int {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.Port
	}
	return 0
}
