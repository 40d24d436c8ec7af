// Package proxy is the server's front door: it routes <name>.local traffic to
// deployment containers and everything else to the management API.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/localship/internal/domain"
	"github.com/splax/localship/internal/events"
	"github.com/splax/localship/internal/repository"
)

const (
	localSuffix         = ".local"
	persistTimeout      = 5 * time.Second
	defaultMaxConns     = 256
	defaultDialTimeout  = 5 * time.Second
	defaultRespTimeout  = 30 * time.Second
	idleConnTimeout     = 90 * time.Second
	maxIdleConns        = 256
	maxIdleConnsPerHost = 32
)

// Registry resolves deployment names.
type Registry interface {
	GetDeployment(ctx context.Context, name string) (*domain.Deployment, error)
}

// RequestStore persists request history.
type RequestStore interface {
	InsertRequestLog(ctx context.Context, entry domain.RequestLog) error
}

// RequestRecorder receives every logged request, typically a latency rollup.
type RequestRecorder interface {
	Record(entry domain.RequestLog)
}

// Options configures the proxy.
type Options struct {
	ManagementHost        string
	MaxConnsPerHost       int
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
}

// Proxy dispatches requests by Host header.
type Proxy struct {
	registry   Registry
	management http.Handler
	publisher  events.Publisher
	store      RequestStore
	recorder   RequestRecorder
	logger     *slog.Logger
	mgmtHost   string
	transport  *http.Transport
	reverse    *httputil.ReverseProxy

	metricsOnce     sync.Once
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	persistWG       sync.WaitGroup
}

type targetKey struct{}

type target struct {
	url  *url.URL
	host string
}

// New constructs a Proxy. store and recorder may be nil.
func New(registry Registry, management http.Handler, pub events.Publisher, store RequestStore, recorder RequestRecorder, opts Options, logger *slog.Logger) *Proxy {
	if opts.MaxConnsPerHost <= 0 {
		opts.MaxConnsPerHost = defaultMaxConns
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.ResponseHeaderTimeout <= 0 {
		opts.ResponseHeaderTimeout = defaultRespTimeout
	}
	if management == nil {
		management = http.NotFoundHandler()
	}
	dialer := &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}
	p := &Proxy{
		registry:   registry,
		management: management,
		publisher:  pub,
		store:      store,
		recorder:   recorder,
		logger:     logger.With("component", "proxy"),
		mgmtHost:   strings.ToLower(strings.TrimSpace(opts.ManagementHost)),
		transport: &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConns:          maxIdleConns,
			MaxIdleConnsPerHost:   maxIdleConnsPerHost,
			MaxConnsPerHost:       opts.MaxConnsPerHost,
			IdleConnTimeout:       idleConnTimeout,
			ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
			ExpectContinueTimeout: time.Second,
			DisableCompression:    true,
		},
	}
	p.reverse = &httputil.ReverseProxy{
		Rewrite:        p.rewrite,
		Transport:      p.transport,
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.upstreamError,
		FlushInterval:  -1,
		ErrorLog:       slog.NewLogLogger(p.logger.Handler(), slog.LevelWarn),
	}
	p.initMetrics()
	return p
}

// Close drops idle upstream connections and waits for pending request
// history writes.
func (p *Proxy) Close() {
	p.transport.CloseIdleConnections()
	p.persistWG.Wait()
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	name, ok := p.deploymentName(req.Host)
	if !ok {
		p.management.ServeHTTP(w, req)
		return
	}

	started := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		v := recover()
		status := rec.status
		if v == http.ErrAbortHandler {
			// The upstream body copy failed after headers went out.
			status = http.StatusBadGateway
		}
		p.logRequest(req, name, status, time.Since(started))
		if v != nil {
			panic(v)
		}
	}()
	p.serveApp(rec, req, name)
}

func (p *Proxy) serveApp(w *statusRecorder, req *http.Request, name string) {
	host := stripPort(req.Host)
	deployment, err := p.registry.GetDeployment(req.Context(), name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeNotFoundPage(w, host)
			return
		}
		p.logger.Error("deployment lookup failed", "deployment", name, "error", err)
		writeStartingPage(w, host)
		return
	}
	if !deployment.Reachable() {
		writeStartingPage(w, host)
		return
	}
	upstream := &url.URL{Scheme: "http", Host: net.JoinHostPort("127.0.0.1", strconv.Itoa(deployment.Port))}
	ctx := context.WithValue(req.Context(), targetKey{}, target{url: upstream, host: host})
	p.reverse.ServeHTTP(w, req.WithContext(ctx))
}

func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	t, _ := pr.In.Context().Value(targetKey{}).(target)
	pr.SetURL(t.url)
	pr.SetXForwarded()
	pr.Out.Host = pr.In.Host
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	if shouldCompress(resp.Request, resp) {
		compressResponse(resp)
	}
	return nil
}

func (p *Proxy) upstreamError(w http.ResponseWriter, req *http.Request, err error) {
	if !errors.Is(err, context.Canceled) {
		p.logger.Warn("upstream request failed", "host", req.Host, "path", req.URL.Path, "error", err)
	}
	t, _ := req.Context().Value(targetKey{}).(target)
	writeStartingPage(w, t.host)
}

// logRequest emits exactly one request:logged event per application request
// and fans the record out to history, the rollup and Prometheus.
func (p *Proxy) logRequest(req *http.Request, name string, status int, elapsed time.Duration) {
	entry := domain.RequestLog{
		ID:             uuid.NewString(),
		DeploymentName: name,
		Method:         req.Method,
		Path:           req.URL.Path,
		Status:         status,
		DurationMS:     float64(elapsed.Microseconds()) / 1000,
		RemoteAddr:     clientIP(req.RemoteAddr),
		CreatedAt:      time.Now().UTC(),
	}
	if p.publisher != nil {
		p.publisher.Emit(domain.Event{Type: domain.EventRequestLogged, DeploymentName: name, Data: entry})
	}
	if p.recorder != nil {
		p.recorder.Record(entry)
	}
	p.recordMetrics(name, status, elapsed)
	if p.store != nil {
		p.persistWG.Add(1)
		go func() {
			defer p.persistWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			if err := p.store.InsertRequestLog(ctx, entry); err != nil {
				p.logger.Warn("persist request log failed", "deployment", name, "error", err)
			}
		}()
	}
}

// deploymentName returns the deployment addressed by host, if any.
func (p *Proxy) deploymentName(rawHost string) (string, bool) {
	host := strings.TrimSuffix(strings.ToLower(stripPort(rawHost)), ".")
	if host == "" || host == p.mgmtHost {
		return "", false
	}
	if !strings.HasSuffix(host, localSuffix) {
		return "", false
	}
	name := strings.TrimSuffix(host, localSuffix)
	if name == "" || strings.Contains(name, ".") || name == p.mgmtHost {
		return "", false
	}
	return name, true
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = code >= 200 || code == http.StatusSwitchingProtocols
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.wroteHeader = true
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacking not supported")
	}
	conn, brw, err := hj.Hijack()
	if err == nil && !r.wroteHeader {
		r.status = http.StatusSwitchingProtocols
		r.wroteHeader = true
	}
	return conn, brw, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
