// Package metrics provides the Prometheus instrumentation wired into the
// dispatcher, the worker runtime and the resilience layer. A *Registry
// is entirely optional: every collaborator that accepts one treats a nil
// *Registry as "instrumentation disabled", the same convention xlog uses
// for a nil logger.
package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric this module emits under one Prometheus
// registry, grounded on the teacher's CircuitBreakerMetrics and DBMetrics
// collectors.
type Registry struct {
	reg *prometheus.Registry

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	dispatchDuration *prometheus.HistogramVec
	dispatchTotal    *prometheus.CounterVec

	poolConnsInUse *prometheus.GaugeVec
	poolConnsIdle  *prometheus.GaugeVec
	poolConnsTotal *prometheus.GaugeVec
	poolConnsMax   *prometheus.GaugeVec
}

// NewRegistry creates and registers every collector this module defines
// against reg. If reg is nil, a fresh prometheus.Registry is created (the
// caller can still reach it via Gatherer for tests or a /metrics
// handler).
func NewRegistry(reg *prometheus.Registry) *Registry {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	r := &Registry{
		reg: reg,
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pgparallel",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Current state of a circuit breaker (1=active for this state label, 0 otherwise).",
		}, []string{"name", "state"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgparallel",
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Total number of circuit breaker state transitions.",
		}, []string{"name", "from", "to"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pgparallel",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Duration of dispatcher operations (query, task, session).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "result"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgparallel",
			Subsystem: "dispatch",
			Name:      "total",
			Help:      "Total number of dispatcher operations by outcome.",
		}, []string{"op", "result"}),
		poolConnsInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pgparallel",
			Subsystem: "pool",
			Name:      "connections_in_use",
			Help:      "Number of connections currently checked out of a pool.",
		}, []string{"pool"}),
		poolConnsIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pgparallel",
			Subsystem: "pool",
			Name:      "connections_idle",
			Help:      "Number of idle connections in a pool.",
		}, []string{"pool"}),
		poolConnsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pgparallel",
			Subsystem: "pool",
			Name:      "connections_total",
			Help:      "Total number of connections currently open in a pool.",
		}, []string{"pool"}),
		poolConnsMax: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pgparallel",
			Subsystem: "pool",
			Name:      "connections_max",
			Help:      "Configured maximum connections for a pool.",
		}, []string{"pool"}),
	}

	for _, c := range []prometheus.Collector{
		r.breakerState, r.breakerTransitions,
		r.dispatchDuration, r.dispatchTotal,
		r.poolConnsInUse, r.poolConnsIdle, r.poolConnsTotal, r.poolConnsMax,
	} {
		_ = reg.Register(c)
	}

	return r
}

// Gatherer exposes the underlying prometheus.Registry for wiring into an
// HTTP /metrics handler.
func (r *Registry) Gatherer() *prometheus.Registry { return r.reg }

// SetBreakerState records which of the three states name's breaker is
// currently in.
func (r *Registry) SetBreakerState(name, state string) {
	for _, s := range []string{string(StateClosed), string(StateOpen), string(StateHalfOpen)} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		r.breakerState.WithLabelValues(name, s).Set(v)
	}
}

// RecordBreakerTransition increments the transition counter for name.
func (r *Registry) RecordBreakerTransition(name, from, to string) {
	r.breakerTransitions.WithLabelValues(name, from, to).Inc()
}

// RecordDispatch records the outcome and duration of one dispatcher
// operation (op is "query", "task" or "session"; result is "success",
// "failure" or "rejected").
func (r *Registry) RecordDispatch(op, result string, seconds float64) {
	r.dispatchTotal.WithLabelValues(op, result).Inc()
	r.dispatchDuration.WithLabelValues(op, result).Observe(seconds)
}

// ObservePool scrapes pgxpool.Pool.Stat() into the pool gauges under the
// given pool label (e.g. "local" or "worker-3"). Called periodically by
// Dispatcher's observePools loop for the local pool and every worker's
// pool, while Metrics is configured.
func (r *Registry) ObservePool(poolLabel string, pool *pgxpool.Pool) {
	if pool == nil {
		return
	}
	stat := pool.Stat()
	r.poolConnsInUse.WithLabelValues(poolLabel).Set(float64(stat.AcquiredConns()))
	r.poolConnsIdle.WithLabelValues(poolLabel).Set(float64(stat.IdleConns()))
	r.poolConnsTotal.WithLabelValues(poolLabel).Set(float64(stat.TotalConns()))
	r.poolConnsMax.WithLabelValues(poolLabel).Set(float64(stat.MaxConns()))
}

// state name constants duplicated here (rather than importing
// internal/resilience) to avoid an import cycle: resilience.Breaker
// depends on metrics.Registry to report its own state, so metrics cannot
// depend back on resilience.
type breakerState string

const (
	StateClosed   breakerState = "closed"
	StateOpen     breakerState = "open"
	StateHalfOpen breakerState = "half-open"
)
