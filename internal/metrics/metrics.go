package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the gateway.
type Metrics struct {
	registry *prometheus.Registry

	Decisions              *prometheus.CounterVec
	Detections             *prometheus.CounterVec
	Pseudonyms             *prometheus.CounterVec
	ClassificationFailures *prometheus.CounterVec
	AuditDropped           prometheus.Counter
	WSClients              prometheus.Gauge
	DecisionLatency        prometheus.Histogram
	PseudonymizeLatency    prometheus.Histogram
}

// New registers the gateway instruments on a fresh registry
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Routing decisions by outcome and provider.",
		}, []string{"outcome", "provider"}),
		Detections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pii_detections_total",
			Help:      "PII matches by data type and showstopper flag.",
		}, []string{"data_type", "showstopper"}),
		Pseudonyms: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pseudonyms_total",
			Help:      "Pseudonyms resolved by data type and whether they were newly created.",
		}, []string{"data_type", "new"}),
		ClassificationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classification_failures_total",
			Help:      "Classification failures by fail mode.",
		}, []string{"fail_mode"}),
		AuditDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_entries_dropped_total",
			Help:      "Audit entries dropped because the buffer was full.",
		}),
		WSClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Number of connected monitoring clients.",
		}),
		DecisionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_latency_ms",
			Help:      "Time to reach a routing decision in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		PseudonymizeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pseudonymize_latency_ms",
			Help:      "Time to pseudonymize a request in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
	}
}

func (m *Metrics) RecordClassificationFailure(failMode string) {
	m.ClassificationFailures.WithLabelValues(failMode).Inc()
}

func (m *Metrics) RecordPseudonym(dataType string, isNew bool) {
	m.Pseudonyms.WithLabelValues(dataType, strconv.FormatBool(isNew)).Inc()
}

func (m *Metrics) RecordDetections(dataType string, showstopper bool, n int) {
	m.Detections.WithLabelValues(dataType, strconv.FormatBool(showstopper)).Add(float64(n))
}

func (m *Metrics) RecordDecision(outcome, provider string, d time.Duration) {
	m.Decisions.WithLabelValues(outcome, provider).Inc()
	m.DecisionLatency.Observe(float64(d.Microseconds()) / 1000)
}

func (m *Metrics) ObservePseudonymize(d time.Duration) {
	m.PseudonymizeLatency.Observe(float64(d.Microseconds()) / 1000)
}

func (m *Metrics) RecordAuditDropped() {
	m.AuditDropped.Inc()
}

func (m *Metrics) SetWSClients(n int) {
	m.WSClients.Set(float64(n))
}

// Handler serves this instance's registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
