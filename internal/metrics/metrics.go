// Package metrics provides Prometheus metrics for the dmcat service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all dmcat metrics.
var Registry = prometheus.NewRegistry()

var (
	defaultOnce    sync.Once
	defaultMetrics *ReconcileMetrics
)

// Request outcomes.
const (
	OutcomeRegistered = "registered"
	OutcomeNoop       = "noop"
	OutcomeError      = "error"
)

// ReconcileMetrics holds the metrics of unregistered data reconciliation.
// A nil *ReconcileMetrics is valid and records nothing.
type ReconcileMetrics struct {
	// Storage probes by result (hit = objects found, miss = empty listing, error)
	Probes *prometheus.CounterVec

	// Records registered as INVALID
	RegisteredRecords prometheus.Counter

	// Requests by outcome
	Requests *prometheus.CounterVec

	// End-to-end request latency
	RequestDuration prometheus.Histogram
}

// New registers reconciliation metrics with reg.
func New(reg prometheus.Registerer) *ReconcileMetrics {
	return &ReconcileMetrics{
		Probes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dmcat_reconcile_probes_total",
			Help: "Storage listings issued while probing data versions",
		}, []string{"result"}),

		RegisteredRecords: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dmcat_reconcile_registered_records_total",
			Help: "Business object data records registered as INVALID",
		}),

		Requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dmcat_reconcile_requests_total",
			Help: "Unregistered data invalidation requests by outcome",
		}, []string{"outcome"}),

		RequestDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "dmcat_reconcile_request_duration_seconds",
			Help:    "Unregistered data invalidation latency",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Default returns the process-wide metrics registered with Registry, along
// with the Go runtime and process collectors.
func Default() *ReconcileMetrics {
	defaultOnce.Do(func() {
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		defaultMetrics = New(Registry)
	})
	return defaultMetrics
}

// Handler serves the metrics in Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveProbe records one storage probe.
func (m *ReconcileMetrics) ObserveProbe(found bool, err error) {
	if m == nil {
		return
	}
	switch {
	case err != nil:
		m.Probes.WithLabelValues("error").Inc()
	case found:
		m.Probes.WithLabelValues("hit").Inc()
	default:
		m.Probes.WithLabelValues("miss").Inc()
	}
}

// ObserveRequest records a finished request and the number of records it registered.
func (m *ReconcileMetrics) ObserveRequest(registered int, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeNoop
	switch {
	case err != nil:
		outcome = OutcomeError
	case registered > 0:
		outcome = OutcomeRegistered
		m.RegisteredRecords.Add(float64(registered))
	}
	m.Requests.WithLabelValues(outcome).Inc()
	m.RequestDuration.Observe(elapsed.Seconds())
}
