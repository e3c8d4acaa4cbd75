package httpx

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dumcel/deployer/builder/internal/service/worker"
)

// StatusSource reports worker pool occupancy.
type StatusSource interface {
	Status() worker.Status
}

// Router serves the builder's operator endpoints: health, pool status and
// Prometheus metrics.
type Router struct {
	mux     *http.ServeMux
	log     *slog.Logger
	ping    func(context.Context) error
	pool    StatusSource
	metrics *opsMetrics
}

const pingTimeout = 2 * time.Second

// New wires the operator endpoints. ping checks the Docker engine; pool may
// be nil while the builder is starting.
func New(logger *slog.Logger, ping func(context.Context) error, pool StatusSource) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		log:     logger,
		ping:    ping,
		pool:    pool,
		metrics: newOpsMetrics(pool),
	}
	r.mux.Handle("GET /metrics", promhttp.HandlerFor(
		prometheus.Gatherers{prometheus.DefaultGatherer, r.metrics.registry},
		promhttp.HandlerOpts{ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelError)},
	))
	r.mux.Handle("GET /healthz", r.metrics.observe("healthz", r.health))
	r.mux.Handle("GET /status", r.metrics.observe("status", r.status))
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

type componentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthReport struct {
	Status     string                     `json:"status"`
	Components map[string]componentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	report := healthReport{
		Status:     "ok",
		Components: map[string]componentHealth{"docker": {Status: "up"}},
		Timestamp:  time.Now().UTC(),
	}
	if r.ping != nil {
		ctx, cancel := context.WithTimeout(req.Context(), pingTimeout)
		err := r.ping(ctx)
		cancel()
		if err != nil {
			report.Status = "degraded"
			report.Components["docker"] = componentHealth{Status: "down", Error: err.Error()}
		}
	}
	code := http.StatusOK
	if report.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.reply(w, code, report)
}

func (r *Router) status(w http.ResponseWriter, _ *http.Request) {
	if r.pool == nil {
		r.reply(w, http.StatusServiceUnavailable, map[string]string{"error": "worker pool not running"})
		return
	}
	r.reply(w, http.StatusOK, r.pool.Status())
}

func (r *Router) reply(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		r.log.Warn("write response", "error", err)
	}
}
