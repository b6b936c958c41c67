// Package metrics exposes Prometheus instruments for dispatch, delivery and
// ingestion.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	dispatchOutcomes  *prometheus.CounterVec
	dispatchDuration  prometheus.Histogram
	processorDuration *prometheus.HistogramVec
	connectorAttempts *prometheus.CounterVec
	connectorDuration *prometheus.HistogramVec
	submissions       *prometheus.CounterVec
	processorsActive  prometheus.Gauge
}

// New registers the instruments on a fresh registry, so several instances can
// live in one process (tests, config checks).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.dispatchOutcomes = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "bexchange_dispatch_outcome_total",
		Help: "Per-processor dispatch outcomes",
	}, []string{"processor", "outcome"})

	m.dispatchDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "bexchange_dispatch_duration_seconds",
		Help:    "Time to run one item through every processor",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	m.processorDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bexchange_processor_duration_seconds",
		Help:    "Time spent in one processor for a matched item",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"processor"})

	m.connectorAttempts = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "bexchange_connector_attempt_total",
		Help: "Send attempts per connector and result",
	}, []string{"connector", "result"})

	m.connectorDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bexchange_connector_attempt_duration_seconds",
		Help:    "Duration of single send attempts",
		Buckets: prometheus.ExponentialBuckets(0.005, 3, 10),
	}, []string{"connector"})

	m.submissions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "bexchange_ingest_submission_total",
		Help: "Items submitted for dispatch by result",
	}, []string{"result"})

	m.processorsActive = factory.NewGauge(prometheus.GaugeOpts{
		Name: "bexchange_processors_active",
		Help: "Number of active processors",
	})

	return m
}

func (m *Metrics) ObserveOutcome(processor, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatchOutcomes.WithLabelValues(processor, outcome).Inc()
	if outcome != "not_matched" {
		m.processorDuration.WithLabelValues(processor).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) ObserveDispatch(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.Observe(elapsed.Seconds())
}

// ObserveAttempt matches connector.AttemptObserver.
func (m *Metrics) ObserveAttempt(connector, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.connectorAttempts.WithLabelValues(connector, result).Inc()
	m.connectorDuration.WithLabelValues(connector).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveSubmission(result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result).Inc()
}

func (m *Metrics) SetActiveProcessors(n int) {
	if m == nil {
		return
	}
	m.processorsActive.Set(float64(n))
}

// Registry is the Prometheus registry holding these instruments.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
