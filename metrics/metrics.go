// Package metrics exposes Prometheus collectors for the task protocol
// and the chain adapter.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	TasksAdmitted    prometheus.Counter
	TasksRejected    *prometheus.CounterVec
	TaskTerminal     *prometheus.CounterVec
	ChainSubmissions *prometheus.CounterVec
	Delegations      *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
}

// New creates a Metrics instance backed by its own registry, so tests
// and multiple services in one process never collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TasksAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentpay",
			Subsystem: "tasks",
			Name:      "admitted_total",
			Help:      "Tasks that passed the admission pipeline.",
		}),
		TasksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentpay",
			Subsystem: "tasks",
			Name:      "rejected_total",
			Help:      "Tasks rejected at admission, by reason.",
		}, []string{"reason"}),
		TaskTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentpay",
			Subsystem: "tasks",
			Name:      "terminal_total",
			Help:      "Tasks reaching a terminal state, by state.",
		}, []string{"state"}),
		ChainSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentpay",
			Subsystem: "chain",
			Name:      "submissions_total",
			Help:      "Submitted chain transactions, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		Delegations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentpay",
			Subsystem: "host",
			Name:      "delegations_total",
			Help:      "Delegations sent by the host, confirmed or fallback.",
		}, []string{"mode"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentpay",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "JSON-RPC request handling duration, by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	reg.MustRegister(
		m.TasksAdmitted, m.TasksRejected, m.TaskTerminal,
		m.ChainSubmissions, m.Delegations, m.RequestDuration,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the underlying registry for tests.
func (m *Metrics) Gather() prometheus.Gatherer { return m.registry }
