package httpx

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dumcel/deployer/api/internal/domain"
	"github.com/dumcel/deployer/api/internal/repository"
	"github.com/dumcel/deployer/api/internal/service/auth"
	"github.com/dumcel/deployer/api/internal/service/deploy"
	"github.com/dumcel/deployer/api/internal/service/dispatch"
	"github.com/dumcel/deployer/api/internal/service/ingress"
	"github.com/dumcel/deployer/api/internal/service/logs"
	"github.com/dumcel/deployer/api/internal/service/project"
)

// HealthCheck probes one dependency.
type HealthCheck func(context.Context) error

// Dependencies bundles what the router serves.
type Dependencies struct {
	Logger       *slog.Logger
	Auth         auth.Service
	Projects     project.Service
	Dispatch     dispatch.Service
	Deployments  deploy.Service
	Logs         logs.Service
	Registrar    *ingress.Registrar
	Limiter      RateLimiter
	BuilderToken string
	SSEHeartbeat time.Duration
	Health       map[string]HealthCheck
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	auth         auth.Service
	projects     project.Service
	dispatch     dispatch.Service
	deployments  deploy.Service
	logs         logs.Service
	registrar    *ingress.Registrar
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	builderToken string
	heartbeat    time.Duration
	health       map[string]HealthCheck

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	enqueueResults     *prometheus.CounterVec
	claimResults       *prometheus.CounterVec
}

const healthCheckTimeout = 2 * time.Second

// NewRouter assembles routes with dependencies.
func NewRouter(deps Dependencies) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      deps.Logger,
		auth:        deps.Auth,
		projects:    deps.Projects,
		dispatch:    deps.Dispatch,
		deployments: deps.Deployments,
		logs:        deps.Logs,
		registrar:   deps.Registrar,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      deps.Limiter,
		builderToken: strings.TrimSpace(deps.BuilderToken),
		heartbeat:    deps.SSEHeartbeat,
		health:       deps.Health,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.heartbeat <= 0 {
		r.heartbeat = 15 * time.Second
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
	r.mux.HandleFunc("/healthz", r.instrument("healthz", r.audit(r.handleHealthz)))
	r.mux.Handle("/metrics", promhttp.Handler())

	r.mux.HandleFunc("/projects", r.instrument("projects", r.audit(r.userRoute(ruleProjectsWrite, r.handleProjects))))
	r.mux.HandleFunc("/projects/", r.instrument("project", r.audit(r.userRoute(ruleProjectRead, r.handleProjectSubroutes))))
	r.mux.HandleFunc("/deploy/", r.instrument("deploy", r.audit(r.userRoute(ruleDeploy, r.handleDeploy))))
	r.mux.HandleFunc("/deployments/", r.instrument("deployment", r.audit(r.userRoute(ruleDeployment, r.handleDeployment))))
	r.mux.HandleFunc("/logs/", r.instrument("logs", r.audit(r.userRoute(ruleLogs, r.handleLogs))))
	r.mux.HandleFunc("/api/project/logs/", r.instrument("logs_legacy", r.audit(r.userRoute(ruleLogs, r.handleLogs))))
	r.mux.HandleFunc("/ws/logs", r.instrument("logs_ws", r.audit(r.userRoute(ruleLogsStream, r.handleLogsWS))))

	r.mux.HandleFunc("/builder/claim", r.instrument("builder_claim", r.audit(r.builderOnly(r.handleBuilderClaim))))
	r.mux.HandleFunc("/builder/deployments/", r.instrument("builder_deployment", r.audit(r.builderOnly(r.handleBuilderDeployment))))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	names := make([]string, 0, len(r.health))
	for name := range r.health {
		names = append(names, name)
	}
	sort.Strings(names)

	components := make(map[string]any, len(names))
	status := "ok"
	for _, name := range names {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := r.health[name](ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
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

// writeServiceError maps service and repository sentinels onto status codes.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	var conflict *dispatch.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":              conflict.Error(),
			"activeDeploymentId": conflict.ActiveDeploymentID,
			"activeState":        conflict.ActiveState,
		})
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, ingress.ErrRouteNotFound):
		r.notFound(w)
	case errors.Is(err, domain.ErrInvalidStateTransition),
		errors.Is(err, project.ErrSubdomainTaken),
		errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrInvalidArgument),
		errors.Is(err, project.ErrInvalidProject),
		errors.Is(err, logs.ErrInvalidEvent),
		errors.Is(err, logs.ErrInvalidCursor),
		errors.Is(err, deploy.ErrArtifactRequired),
		errors.Is(err, ingress.ErrInvalidRoute),
		errors.Is(err, domain.ErrUnknownState):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		ctx, who := withActor(req.Context())
		start := time.Now()
		next(recorder, req.WithContext(ctx))

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		kind := "anonymous"
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
		if who.userID != "" {
			kind = "user"
			fields = append(fields, "user_id", who.userID)
		} else if strings.HasPrefix(req.URL.Path, "/builder/") {
			kind = "builder"
		}
		fields = append(fields, "actor", kind)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		case strings.HasPrefix(req.URL.Path, "/builder/deployments/") || req.URL.Path == "/builder/claim":
			r.logger.Debug("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
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

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
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

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
