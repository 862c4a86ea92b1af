// Package metrics exposes Prometheus collectors on a dedicated
// registry so the handler never leaks unrelated process collectors
// registered elsewhere.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the service emits.
type Metrics struct {
	registry *prometheus.Registry

	fetchAttempts *prometheus.CounterVec
	fetchRetries  *prometheus.CounterVec

	Logins *prometheus.CounterVec

	LookupRequests    prometheus.Counter
	LookupContainers  *prometheus.CounterVec
	AdapterErrors     *prometheus.CounterVec

	ReconcileCycles   *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
	ReconcileWrites   prometheus.Counter

	TerminalContainers *prometheus.GaugeVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harborsync_fetch_attempts_total",
			Help: "Portal HTTP attempts, including retries.",
		}, []string{"method"}),
		fetchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harborsync_fetch_retries_total",
			Help: "Portal HTTP attempts that were retries.",
		}, []string{"method"}),
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harborsync_logins_total",
			Help: "Portal login attempts by terminal and outcome.",
		}, []string{"terminal", "outcome"}),
		LookupRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harborsync_lookup_requests_total",
			Help: "Bulk availability lookups served.",
		}),
		LookupContainers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harborsync_lookup_containers_total",
			Help: "Containers resolved per lookup, by result.",
		}, []string{"result"}),
		AdapterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harborsync_adapter_errors_total",
			Help: "Adapter failures by terminal.",
		}, []string{"terminal"}),
		ReconcileCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harborsync_reconcile_cycles_total",
			Help: "Reconciliation cycles by outcome.",
		}, []string{"outcome"}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harborsync_reconcile_duration_seconds",
			Help:    "Wall time of a full reconciliation cycle.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		ReconcileWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harborsync_reconcile_writes_total",
			Help: "Container rows actually changed by reconciliation.",
		}),
		TerminalContainers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harborsync_terminal_containers",
			Help: "Containers currently assigned to each terminal.",
		}, []string{"terminal"}),
	}

	registry.MustRegister(
		m.fetchAttempts, m.fetchRetries, m.Logins,
		m.LookupRequests, m.LookupContainers, m.AdapterErrors,
		m.ReconcileCycles, m.ReconcileDuration, m.ReconcileWrites,
		m.TerminalContainers,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Login records a portal login outcome.
func (m *Metrics) Login(terminalKey, outcome string) {
	m.Logins.WithLabelValues(terminalKey, outcome).Inc()
}

// LookupRequest counts one bulk lookup.
func (m *Metrics) LookupRequest() {
	m.LookupRequests.Inc()
}

// LookupResolved records the outcome split of one lookup.
func (m *Metrics) LookupResolved(found, missing int) {
	m.LookupContainers.WithLabelValues("found").Add(float64(found))
	m.LookupContainers.WithLabelValues("missing").Add(float64(missing))
}

// AdapterError counts an adapter failure against a terminal.
func (m *Metrics) AdapterError(terminalKey string) {
	m.AdapterErrors.WithLabelValues(terminalKey).Inc()
}

// FetchAttempt implements the fetch observer.
func (m *Metrics) FetchAttempt(method string) {
	m.fetchAttempts.WithLabelValues(method).Inc()
}

// FetchRetry implements the fetch observer.
func (m *Metrics) FetchRetry(method string) {
	m.fetchRetries.WithLabelValues(method).Inc()
}
