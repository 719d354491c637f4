// Package metrics exposes service counters in the Prometheus text format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docsync"

// Metrics owns a private registry so tests can build as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	merges      prometheus.Counter
	broadcasts  prometheus.Counter
	overflowed  prometheus.Counter
	flushes     *prometheus.CounterVec
	connections *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Client updates merged into a document that changed its state.",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Update frames enqueued to peer sessions.",
		}),
		overflowed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_overflowed_total",
			Help:      "Sessions closed because their outbound queue was full.",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Document snapshot writes by result.",
		}, []string{"result"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Realtime connection attempts by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.merges,
		m.broadcasts,
		m.overflowed,
		m.flushes,
		m.connections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// TrackResidency registers gauges that sample the store on every scrape.
func (m *Metrics) TrackResidency(documents, sessions func() int) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "documents_resident",
			Help:      "Documents currently held in memory.",
		}, func() float64 { return float64(documents()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently attached to a document.",
		}, func() float64 { return float64(sessions()) }),
	)
}

func (m *Metrics) MergeApplied(string) {
	m.merges.Inc()
}

func (m *Metrics) UpdateBroadcast(_ string, recipients int) {
	m.broadcasts.Add(float64(recipients))
}

func (m *Metrics) SessionOverflowed(string) {
	m.overflowed.Inc()
}

func (m *Metrics) FlushCompleted(_ string, err error) {
	if err != nil {
		m.flushes.WithLabelValues("error").Inc()
		return
	}
	m.flushes.WithLabelValues("ok").Inc()
}

// ConnectionAttempt records the outcome of a realtime upgrade; result is one
// of "accepted", "unauthorized", "not_found" or "error".
func (m *Metrics) ConnectionAttempt(result string) {
	m.connections.WithLabelValues(result).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
