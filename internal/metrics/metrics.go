// Package metrics exposes keeper counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all keeper metrics on a private prometheus registry so several
// keepers can live in one process.
type Registry struct {
	reg *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	executions    *prometheus.CounterVec
	skipped       *prometheus.CounterVec
	ticksDropped  prometheus.Counter
	running       prometheus.Gauge
}

// NewRegistry creates and registers every keeper metric.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcakeeper_cycles_total",
				Help: "Completed cycles by result",
			},
			[]string{"result"},
		),

		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dcakeeper_cycle_duration_seconds",
				Help:    "Wall-clock duration of a cycle",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),

		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcakeeper_executions_total",
				Help: "Execution results by status",
			},
			[]string{"status"},
		),

		skipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcakeeper_skipped_total",
				Help: "Accounts skipped as not ready, by reason",
			},
			[]string{"reason"},
		),

		ticksDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dcakeeper_ticks_dropped_total",
				Help: "Timer ticks dropped because a cycle was still running",
			},
		),

		running: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dcakeeper_scheduler_running",
				Help: "1 while a cycle is in progress",
			},
		),
	}

	r.reg.MustRegister(r.cycles, r.cycleDuration, r.executions, r.skipped, r.ticksDropped, r.running)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Skipped records a not-ready account.
func (r *Registry) Skipped(reason string) {
	r.skipped.WithLabelValues(reason).Inc()
}

// CycleFinished records one cycle. result is "ok" or "error".
func (r *Registry) CycleFinished(result string, took time.Duration) {
	r.cycles.WithLabelValues(result).Inc()
	r.cycleDuration.Observe(took.Seconds())
}

// Execution records one execution result.
func (r *Registry) Execution(status string) {
	r.executions.WithLabelValues(status).Inc()
}

// TickDropped records a dropped timer tick.
func (r *Registry) TickDropped() {
	r.ticksDropped.Inc()
}

// SetRunning flips the running gauge.
func (r *Registry) SetRunning(running bool) {
	if running {
		r.running.Set(1)
		return
	}
	r.running.Set(0)
}
