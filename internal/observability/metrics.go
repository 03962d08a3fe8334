package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects core counters for the triage pipeline.
type Metrics struct {
	analyses  *prometheus.CounterVec
	skips     *prometheus.CounterVec
	publishes *prometheus.CounterVec
	retries   *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	analyses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_analyses_total",
		Help: "Total build analyses by outcome.",
	}, []string{"outcome"})
	skips := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_skips_total",
		Help: "Total skipped notifications by reason.",
	}, []string{"reason"})
	publishes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_publishes_total",
		Help: "Total report publishes by render mode.",
	}, []string{"mode"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_retries_total",
		Help: "Total automatic build retries by trigger.",
	}, []string{"trigger"})

	analyses = registerCounterVec(registerer, analyses)
	skips = registerCounterVec(registerer, skips)
	publishes = registerCounterVec(registerer, publishes)
	retries = registerCounterVec(registerer, retries)

	return &Metrics{
		analyses:  analyses,
		skips:     skips,
		publishes: publishes,
		retries:   retries,
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncAnalysis(outcome string) {
	if m == nil || m.analyses == nil {
		return
	}
	m.analyses.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncSkip(reason string) {
	if m == nil || m.skips == nil {
		return
	}
	m.skips.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncPublish(mode string) {
	if m == nil || m.publishes == nil {
		return
	}
	m.publishes.WithLabelValues(mode).Inc()
}

func (m *Metrics) IncRetry(trigger string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.WithLabelValues(trigger).Inc()
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}
