package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/localship/internal/domain"
	"github.com/splax/localship/internal/service/auth"
	"github.com/splax/localship/internal/service/deploy"
	"github.com/splax/localship/internal/ws"
	jwtpkg "github.com/splax/localship/pkg/jwt"
)

// Deployments is the orchestrator surface exposed over HTTP.
type Deployments interface {
	Deploy(ctx context.Context, name string, bundle io.Reader) (deploy.Result, error)
	Restart(ctx context.Context, name string) (*domain.Deployment, error)
	Delete(ctx context.Context, name string) error
	UpdateSettings(ctx context.Context, name string, settings deploy.Settings) (*domain.Deployment, error)
	Get(ctx context.Context, name string) (*domain.Deployment, error)
	List(ctx context.Context) ([]domain.Deployment, error)
	History(ctx context.Context, name string, limit int) ([]domain.HistoryEvent, error)
	ActiveBuild(name string) (string, bool)
}

// Authenticator validates credentials and tokens.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*domain.User, auth.Token, error)
	Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error)
	AuthorizeUser(ctx context.Context, username, token string) (*domain.User, error)
}

// LogSubscriber attaches to shared container log streams.
type LogSubscriber interface {
	Subscribe(name string, sink ws.Sink) func()
}

// Realtime serves an upgraded WebSocket connection until it closes.
type Realtime interface {
	Serve(conn *websocket.Conn, username string)
}

// RequestHistory lists proxied requests.
type RequestHistory interface {
	ListRequestLogs(ctx context.Context, name string, limit int) ([]domain.RequestLog, error)
}

// BackupLister lists volume backups.
type BackupLister interface {
	List(ctx context.Context, name string) ([]domain.Backup, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Deps are the services the router fronts. Requests, Backups and Realtime may
// be nil, in which case their routes answer 404.
type Deps struct {
	Auth        Authenticator
	Deployments Deployments
	Logs        LogSubscriber
	Realtime    Realtime
	Requests    RequestHistory
	Backups     BackupLister
	Limiter     RateLimiter
	Health      map[string]HealthCheck
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     Authenticator
	deploy   Deployments
	logs     LogSubscriber
	realtime Realtime
	requests RequestHistory
	backups  BackupLister
	upgrader websocket.Upgrader
	limiter  RateLimiter
	health   map[string]HealthCheck

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	uploads            *prometheus.CounterVec
}

const (
	rateWindowDefault   = time.Minute
	rateWindowRealtime  = 30 * time.Second
	rateLimitLogin      = 12
	rateLimitUpload     = 20
	rateLimitUserWrite  = 60
	rateLimitUserRead   = 240
	rateLimitWebsocket  = 30
	healthCheckTimeout  = 2 * time.Second
	maxUploadBytes      = 1 << 30
	uploadMemoryBytes   = 32 << 20
	logStreamBuffer     = 512
	defaultRequestLimit = 100
	maxListLimit        = 1000
)

// NewRouter assembles routes with dependencies.
func NewRouter(deps Deps, logger *slog.Logger) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger.With("component", "api"),
		auth:     deps.Auth,
		deploy:   deps.Deployments,
		logs:     deps.Logs,
		realtime: deps.Realtime,
		requests: deps.Requests,
		backups:  deps.Backups,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter: deps.Limiter,
		health:  deps.Health,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	for _, rt := range r.routes() {
		r.mux.HandleFunc(rt.pattern, r.guard(rt.access, rt.handler))
	}
}

// routes is the API surface with the gate each endpoint sits behind. The
// WebSocket route authenticates itself from the query string.
func (r *Router) routes() []route {
	return []route{
		{"/auth/login", access{route: "/auth/login", limit: rateLimitLogin, window: rateWindowDefault, scope: perClient}, r.handleLogin},
		{"/upload", access{route: "/upload", authed: true, limit: rateLimitUpload, window: rateWindowDefault, scope: perDeployment}, r.handleUpload},
		{"/deployments", access{route: "/deployments", authed: true, limit: rateLimitUserRead, window: rateWindowDefault, scope: perOperator}, r.handleDeployments},
		{"/deployments/", access{route: "/deployments/:name", authed: true, limit: rateLimitUserWrite, window: rateWindowDefault, scope: perDeployment}, r.handleDeploymentSubroutes},
		{"/ws", access{route: "/ws", limit: rateLimitWebsocket, window: rateWindowRealtime, scope: perClient}, r.handleWS},
	}
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	_, token, err := r.auth.Login(req.Context(), payload.Username, payload.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrUsernameRequired):
			writeError(w, http.StatusUnauthorized, "invalid credentials")
		default:
			r.logger.Error("login failed", "error", err)
			writeError(w, http.StatusInternalServerError, "login failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token.Token,
		"expiresIn": int64(token.ExpiresIn.Seconds()),
	})
}

func (r *Router) handleUpload(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	req.Body = http.MaxBytesReader(w, req.Body, maxUploadBytes)
	if err := req.ParseMultipartForm(uploadMemoryBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "bundle too large")
			return
		}
		writeError(w, http.StatusBadRequest, "multipart form with name and bundle is required")
		return
	}
	defer req.MultipartForm.RemoveAll()

	name := strings.TrimSpace(req.FormValue("name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if !r.admit(w, req, name) {
		return
	}
	file, _, err := req.FormFile("bundle")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bundle file is required")
		return
	}
	defer file.Close()

	result, err := r.deploy.Deploy(req.Context(), name, file)
	if err != nil {
		r.uploadFailed(w, req, name, err)
		return
	}
	r.recordUpload("deployed")
	writeJSON(w, http.StatusCreated, result)
}

// uploadFailed maps a pipeline error. Failures after classification carry the
// deployment's persisted status so the caller can tell where it stopped.
func (r *Router) uploadFailed(w http.ResponseWriter, req *http.Request, name string, err error) {
	if code := errorStatus(err); code != http.StatusInternalServerError {
		r.recordUpload("rejected")
		writeError(w, code, err.Error())
		return
	}
	r.recordUpload("failed")
	status := string(domain.StatusFailed)
	if current, getErr := r.deploy.Get(context.WithoutCancel(req.Context()), name); getErr == nil {
		status = string(current.Status)
	}
	var buildErr *deploy.BuildError
	if errors.As(err, &buildErr) {
		r.logger.Warn("upload build failed", "deployment", name, "duration_ms", buildErr.Duration.Milliseconds(), "error", buildErr.Err)
	} else {
		r.logger.Error("upload failed", "deployment", name, "error", err)
	}
	writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error(), Status: status})
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deployments, err := r.deploy.List(req.Context())
	if err != nil {
		r.serviceError(w, "", err)
		return
	}
	if deployments == nil {
		deployments = []domain.Deployment{}
	}
	writeJSON(w, http.StatusOK, deployments)
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/")
	if trimmed == "" {
		r.notFound(w)
		return
	}
	name, action, _ := strings.Cut(trimmed, "/")
	switch action {
	case "":
		r.handleDeployment(w, req, name)
	case "restart":
		r.handleRestart(w, req, name)
	case "logs":
		r.handleLogs(w, req, name)
	case "build":
		r.handleBuild(w, req, name)
	case "history":
		r.handleHistory(w, req, name)
	case "requests":
		r.handleRequests(w, req, name)
	case "backups":
		r.handleBackups(w, req, name)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleDeployment(w http.ResponseWriter, req *http.Request, name string) {
	switch req.Method {
	case http.MethodGet:
		deployment, err := r.deploy.Get(req.Context(), name)
		if err != nil {
			r.serviceError(w, name, err)
			return
		}
		writeJSON(w, http.StatusOK, deployment)
	case http.MethodPatch:
		var settings deploy.Settings
		if err := json.NewDecoder(req.Body).Decode(&settings); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		deployment, err := r.deploy.UpdateSettings(req.Context(), name, settings)
		if err != nil {
			r.serviceError(w, name, err)
			return
		}
		writeJSON(w, http.StatusOK, deployment)
	case http.MethodDelete:
		if err := r.deploy.Delete(req.Context(), name); err != nil {
			r.serviceError(w, name, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleRestart(w http.ResponseWriter, req *http.Request, name string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	deployment, err := r.deploy.Restart(req.Context(), name)
	if err != nil {
		r.serviceError(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, deployment)
}

// handleLogs streams container output as chunked text until the client goes
// away. Lines that arrive faster than the client reads are dropped.
func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request, name string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deployment, err := r.deploy.Get(req.Context(), name)
	if err != nil {
		r.serviceError(w, name, err)
		return
	}
	if r.logs == nil {
		r.notFound(w)
		return
	}

	lines := make(chan string, logStreamBuffer)
	release := r.logs.Subscribe(deployment.Name, func(line string) {
		select {
		case lines <- line:
		default:
		}
	})
	defer release()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	ctx := req.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-lines:
			if _, err := io.WriteString(w, line+"\n"); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func (r *Router) handleBuild(w http.ResponseWriter, req *http.Request, name string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	output, active := r.deploy.ActiveBuild(name)
	if !active {
		if _, err := r.deploy.Get(req.Context(), name); err != nil {
			r.serviceError(w, name, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":   name,
		"active": active,
		"output": output,
	})
}

func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request, name string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	events, err := r.deploy.History(req.Context(), name, queryLimit(req, 0))
	if err != nil {
		r.serviceError(w, name, err)
		return
	}
	if events == nil {
		events = []domain.HistoryEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (r *Router) handleRequests(w http.ResponseWriter, req *http.Request, name string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.requests == nil {
		r.notFound(w)
		return
	}
	deployment, err := r.deploy.Get(req.Context(), name)
	if err != nil {
		r.serviceError(w, name, err)
		return
	}
	entries, err := r.requests.ListRequestLogs(req.Context(), deployment.Name, queryLimit(req, defaultRequestLimit))
	if err != nil {
		r.serviceError(w, name, err)
		return
	}
	if entries == nil {
		entries = []domain.RequestLog{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (r *Router) handleBackups(w http.ResponseWriter, req *http.Request, name string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.backups == nil {
		r.notFound(w)
		return
	}
	deployment, err := r.deploy.Get(req.Context(), name)
	if err != nil {
		r.serviceError(w, name, err)
		return
	}
	backups, err := r.backups.List(req.Context(), deployment.Name)
	if err != nil {
		r.serviceError(w, name, err)
		return
	}
	if backups == nil {
		backups = []domain.Backup{}
	}
	writeJSON(w, http.StatusOK, backups)
}

// handleWS authenticates from the query string, since browsers cannot set
// headers on a WebSocket handshake, then hands the connection to the hub.
func (r *Router) handleWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.realtime == nil {
		r.notFound(w)
		return
	}
	query := req.URL.Query()
	user, err := r.auth.AuthorizeUser(req.Context(), query.Get("username"), query.Get("token"))
	if err != nil {
		r.logger.Warn("websocket authorization failed", "error", err, "ip", clientIP(req))
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	req = withOperator(w, req, operator{ID: user.ID, Username: user.Username})
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	r.realtime.Serve(conn, user.Username)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	for name, check := range r.health {
		if check == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) serviceError(w http.ResponseWriter, name string, err error) {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		r.logger.Error("request failed", "deployment", name, "error", err)
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func queryLimit(req *http.Request, fallback int) int {
	limit, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return fallback
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if op, ok := operatorFrom(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", op.ID, "username", op.Username)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		sr.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
