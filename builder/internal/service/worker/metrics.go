package worker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce   sync.Once
	stepDuration  *prometheus.HistogramVec
	runsTotal     *prometheus.CounterVec
	inFlightGauge prometheus.Gauge
)

func initMetrics() {
	metricsOnce.Do(func() {
		stepDuration = register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dumcel",
			Subsystem: "builder",
			Name:      "step_duration_seconds",
			Help:      "Duration of pipeline steps by outcome",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 900},
		}, []string{"step", "outcome"}))
		runsTotal = register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dumcel",
			Subsystem: "builder",
			Name:      "deployments_total",
			Help:      "Finished deployments by result",
		}, []string{"result"}))
		inFlightGauge = register(prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dumcel",
			Subsystem: "builder",
			Name:      "deployments_in_flight",
			Help:      "Deployments currently being built",
		}))
	})
}

func register[C prometheus.Collector](c C) C {
	if err := prometheus.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func observeStep(step, outcome string, d time.Duration) {
	initMetrics()
	stepDuration.WithLabelValues(step, outcome).Observe(d.Seconds())
}

func countRun(result string) {
	initMetrics()
	runsTotal.WithLabelValues(result).Inc()
}

func trackInFlight(delta float64) {
	initMetrics()
	inFlightGauge.Add(delta)
}
