// Package metrics exposes Prometheus counters for retrieval, generation calls and compile sessions.
// Every method is safe to call on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
	retrievalsTotal   *prometheus.CounterVec
	generationTotal   *prometheus.CounterVec
	sessionsTotal     *prometheus.CounterVec
	sessionIterations prometheus.Histogram
	pendingJobs       prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "compiler_http_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "compiler_http_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	retrievalsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "compiler_retrievals_total",
		Help: "Retrieval queries by scoring mode (hybrid, degraded, filters_only)",
	}, []string{"mode"})
	generationTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "compiler_generation_calls_total",
		Help: "Generation service calls by stage and outcome",
	}, []string{"stage", "outcome"})
	sessionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "compiler_sessions_total",
		Help: "Compile sessions by terminal state",
	}, []string{"state"})
	sessionIterations := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "compiler_session_iterations",
		Help:    "Planning cycles used per compile session",
		Buckets: []float64{1, 2, 3, 4, 5, 8},
	})
	pendingJobs := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "compiler_pending_jobs",
		Help: "Compile jobs waiting in the queue",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		retrievalsTotal,
		generationTotal,
		sessionsTotal,
		sessionIterations,
		pendingJobs,
	)

	return &Metrics{
		registry:          registry,
		requestsTotal:     requestsTotal,
		errorsTotal:       errorsTotal,
		retrievalsTotal:   retrievalsTotal,
		generationTotal:   generationTotal,
		sessionsTotal:     sessionsTotal,
		sessionIterations: sessionIterations,
		pendingJobs:       pendingJobs,
	}
}

func (m *Metrics) IncRequests() {
	if m != nil {
		m.requestsTotal.Inc()
	}
}

func (m *Metrics) IncErrors() {
	if m != nil {
		m.errorsTotal.Inc()
	}
}

// IncRetrieval counts one retrieval under its scoring mode.
func (m *Metrics) IncRetrieval(mode string) {
	if m != nil {
		m.retrievalsTotal.WithLabelValues(mode).Inc()
	}
}

// IncGeneration counts one generation call; outcome is ok, malformed, timeout or error.
func (m *Metrics) IncGeneration(stage, outcome string) {
	if m != nil {
		m.generationTotal.WithLabelValues(stage, outcome).Inc()
	}
}

// ObserveSession records a finished session's terminal state and iteration count.
func (m *Metrics) ObserveSession(state string, iterations int) {
	if m != nil {
		m.sessionsTotal.WithLabelValues(state).Inc()
		m.sessionIterations.Observe(float64(iterations))
	}
}

func (m *Metrics) SetPendingJobs(n int) {
	if m != nil {
		m.pendingJobs.Set(float64(n))
	}
}

// Handler serves the registry. updateGauges runs before each scrape.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
