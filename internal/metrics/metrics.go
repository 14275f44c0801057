// Package metrics exports entity store instrumentation to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives entity store outcomes.
type Recorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
	Conflict(operation string)
	Retry(operation string)
	Stock(reason string, units int64)
}

// Noop discards everything.
type Noop struct{}

func (Noop) Observe(context.Context, string, bool, time.Duration) {}
func (Noop) Conflict(string)                                      {}
func (Noop) Retry(string)                                         {}
func (Noop) Stock(string, int64)                                  {}

// Prometheus keeps its collectors on a private registry.
type Prometheus struct {
	registry  *prometheus.Registry
	ops       *prometheus.CounterVec
	durations *prometheus.HistogramVec
	conflicts *prometheus.CounterVec
	retries   *prometheus.CounterVec
	stock     *prometheus.CounterVec
}

func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	p := &Prometheus{
		registry: reg,
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poi",
			Name:      "operations_total",
			Help:      "Entity store operations by outcome.",
		}, []string{"operation", "result"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "poi",
			Name:      "operation_duration_seconds",
			Help:      "Entity store operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poi",
			Name:      "version_conflicts_total",
			Help:      "Optimistic version conflicts surfaced or retried.",
		}, []string{"operation"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poi",
			Name:      "mutation_retries_total",
			Help:      "Intent re-applications after a conflict.",
		}, []string{"operation"}),
		stock: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poi",
			Name:      "stock_units_moved_total",
			Help:      "Absolute inventory units moved by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(p.ops, p.durations, p.conflicts, p.retries, p.stock,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return p
}

func (p *Prometheus) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	result := "error"
	if success {
		result = "success"
	}
	p.ops.WithLabelValues(operation, result).Inc()
	p.durations.WithLabelValues(operation).Observe(duration.Seconds())
}

func (p *Prometheus) Conflict(operation string) {
	p.conflicts.WithLabelValues(operation).Inc()
}

func (p *Prometheus) Retry(operation string) {
	p.retries.WithLabelValues(operation).Inc()
}

func (p *Prometheus) Stock(reason string, units int64) {
	if units < 0 {
		units = -units
	}
	p.stock.WithLabelValues(reason).Add(float64(units))
}

// Registry exposes the underlying registry for tests and custom exporters.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
