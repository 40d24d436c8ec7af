package httpx

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"
)

// limitScope picks the counter a request is charged to.
type limitScope int

const (
	// perClient counts by client IP; used before a caller is known.
	perClient limitScope = iota
	// perOperator counts every call an operator makes on the route.
	perOperator
	// perDeployment counts an operator's calls against one deployment, so a
	// busy name does not use up the budget of the others.
	perDeployment
)

// access is the gate in front of one route.
type access struct {
	route  string
	authed bool
	limit  int
	window time.Duration
	scope  limitScope
}

// route binds a mux pattern to its gate and handler.
type route struct {
	pattern string
	access  access
	handler http.HandlerFunc
}

// operator is the authenticated caller.
type operator struct {
	ID       string
	Username string
}

type operatorKey struct{}

type pendingLimitKey struct{}

type contextSetter interface {
	SetContext(context.Context)
}

// guard wraps next with the route's audit log, authentication and rate limit.
// perDeployment routes that cannot see the name before reading the body are
// limited later through admit.
func (r *Router) guard(a access, next http.HandlerFunc) http.HandlerFunc {
	gated := func(w http.ResponseWriter, req *http.Request) {
		if a.authed {
			op, ok := r.authenticate(w, req)
			if !ok {
				return
			}
			req = withOperator(w, req, op)
		}
		if a.scope == perDeployment {
			name := deploymentFromPath(req.URL.Path)
			if name == "" {
				next(w, req.WithContext(context.WithValue(req.Context(), pendingLimitKey{}, a)))
				return
			}
			if !r.allow(w, req, a, name) {
				return
			}
			next(w, req)
			return
		}
		if !r.allow(w, req, a, "") {
			return
		}
		next(w, req)
	}
	return r.audit(a.route, gated)
}

// admit charges a deferred perDeployment limit once the handler knows the name.
func (r *Router) admit(w http.ResponseWriter, req *http.Request, name string) bool {
	a, ok := req.Context().Value(pendingLimitKey{}).(access)
	if !ok {
		return true
	}
	return r.allow(w, req, a, name)
}

func (r *Router) allow(w http.ResponseWriter, req *http.Request, a access, deployment string) bool {
	if a.limit <= 0 || r.limiter == nil {
		return true
	}
	key := limiterKey(req, a.scope, deployment)
	decision := r.limiter.Allow(key, a.limit, a.window)
	applyRateHeaders(w, a.limit, decision)
	if decision.allowed {
		return true
	}
	r.recordRateLimitHit(a.route, rateMetricKey(key))
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// limiterKey is "ip:<addr>", "user:<id>" or "deploy:<id>:<name>". Anonymous
// callers always fall back to the IP form.
func limiterKey(req *http.Request, scope limitScope, deployment string) string {
	op, ok := operatorFrom(req.Context())
	if !ok || scope == perClient {
		host, _, err := net.SplitHostPort(req.RemoteAddr)
		if err != nil {
			host = req.RemoteAddr
		}
		if host == "" {
			host = "unknown"
		}
		return "ip:" + host
	}
	if scope == perDeployment && deployment != "" {
		return "deploy:" + op.ID + ":" + deployment
	}
	return "user:" + op.ID
}

func (r *Router) authenticate(w http.ResponseWriter, req *http.Request) (operator, bool) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return operator{}, false
	}
	user, _, err := r.auth.Authorize(req.Context(), token)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return operator{}, false
	}
	return operator{ID: user.ID, Username: user.Username}, true
}

// withOperator stores op on the request and, through the audit recorder, on
// the access log.
func withOperator(w http.ResponseWriter, req *http.Request, op operator) *http.Request {
	ctx := context.WithValue(req.Context(), operatorKey{}, op)
	if setter, ok := w.(contextSetter); ok {
		setter.SetContext(ctx)
	}
	return req.WithContext(ctx)
}

func operatorFrom(ctx context.Context) (operator, bool) {
	op, ok := ctx.Value(operatorKey{}).(operator)
	return op, ok
}

func bearerToken(header string) (string, error) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.New("expected a Bearer authorization header")
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", errors.New("malformed bearer token")
	}
	return token, nil
}

// deploymentFromPath returns the name in /deployments/<name>[/...].
func deploymentFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, "/deployments/")
	if !ok {
		return ""
	}
	name, _, _ := strings.Cut(strings.Trim(rest, "/"), "/")
	return name
}

// rateMetricKey reduces a limiter key to its kind so metric cardinality stays
// bounded.
func rateMetricKey(key string) string {
	kind, _, found := strings.Cut(key, ":")
	if !found || kind == "" {
		return "unknown"
	}
	return kind
}
