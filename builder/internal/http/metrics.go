package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dumcel/deployer/builder/internal/service/worker"
)

// opsMetrics lives in its own registry so each Router can register pool
// gauges bound to its own StatusSource.
type opsMetrics struct {
	registry *prometheus.Registry
	requests *prometheus.HistogramVec
}

func newOpsMetrics(pool StatusSource) *opsMetrics {
	m := &opsMetrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dumcel",
			Subsystem: "builder",
			Name:      "http_request_duration_seconds",
			Help:      "Latency of builder operator endpoints.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
		}, []string{"route", "code"}),
	}
	m.registry.MustRegister(m.requests)
	if pool != nil {
		gauge := func(name, help string, read func(worker.Status) float64) prometheus.GaugeFunc {
			return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "dumcel",
				Subsystem: "builder",
				Name:      name,
				Help:      help,
			}, func() float64 { return read(pool.Status()) })
		}
		m.registry.MustRegister(
			gauge("pool_capacity", "Concurrent builds this builder accepts.", func(s worker.Status) float64 { return float64(s.Capacity) }),
			gauge("pool_active", "Builds currently running.", func(s worker.Status) float64 { return float64(s.Active) }),
		)
	}
	return m
}

// observe times next and records the response code it wrote.
func (m *opsMetrics) observe(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		cw := &codeWriter{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next(cw, req)
		m.requests.WithLabelValues(route, strconv.Itoa(cw.code)).Observe(time.Since(start).Seconds())
	})
}

type codeWriter struct {
	http.ResponseWriter
	code int
}

func (c *codeWriter) WriteHeader(code int) {
	c.code = code
	c.ResponseWriter.WriteHeader(code)
}
