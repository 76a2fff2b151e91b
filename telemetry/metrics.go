// Package telemetry holds the service's Prometheus collectors and its
// logger construction.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"studymate/idtoken"
)

// Metrics records verification, key fetch, gate and HTTP metrics.
type Metrics struct {
	registry      *prometheus.Registry
	verifications *prometheus.CounterVec
	verifyLatency prometheus.Histogram
	keyFetches    *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	requests      *prometheus.HistogramVec
}

// NewMetrics registers the collectors on a fresh registry together with
// the Go and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studymate_token_verifications_total",
			Help: "ID token verifications by result (ok or failure kind).",
		}, []string{"result"}),
		verifyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "studymate_token_verification_duration_seconds",
			Help:    "Time spent verifying ID tokens, including key fetches.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		keyFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studymate_key_fetches_total",
			Help: "Public key document fetches by outcome.",
		}, []string{"outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studymate_gate_decisions_total",
			Help: "Session gate decisions by action.",
		}, []string{"action"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "studymate_http_request_duration_seconds",
			Help:    "HTTP response time by method and status code.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"method", "code"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.verifications,
		m.verifyLatency,
		m.keyFetches,
		m.decisions,
		m.requests,
	)
	return m
}

// Registry exposes the registry, for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveVerification implements idtoken.Observer.
func (m *Metrics) ObserveVerification(kind idtoken.Kind, elapsed time.Duration) {
	result := "ok"
	if kind != "" {
		result = string(kind)
	}
	m.verifications.WithLabelValues(result).Inc()
	m.verifyLatency.Observe(elapsed.Seconds())
}

// ObserveKeyFetch implements idtoken.FetchObserver.
func (m *Metrics) ObserveKeyFetch(outcome string) {
	m.keyFetches.WithLabelValues(outcome).Inc()
}

// ObserveGateDecision implements gate.Observer.
func (m *Metrics) ObserveGateDecision(action string) {
	m.decisions.WithLabelValues(action).Inc()
}

// Collect records request latency by method and status. Paths are not
// used as labels to keep cardinality bounded.
func (m *Metrics) Collect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			if r.URL.Path == "/metrics" {
				return
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.requests.WithLabelValues(r.Method, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
		}()
		next.ServeHTTP(ww, r)
	})
}
