// Package metrics provides Prometheus instrumentation for the broker.
//
// Metrics are exposed at /metrics in Prometheus format:
//
//   - relay_token_validations_total{result,source}
//   - relay_tokens_issued_total
//   - relay_active_streams{transport}
//   - relay_sessions_evicted_total{reason}
//   - relay_messages_routed_total{outcome}
//   - relay_http_request_duration_seconds{method,route,code}
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the broker's instruments behind a private registry so
// tests can create isolated instances without collector name collisions.
type Metrics struct {
	reg *prometheus.Registry

	tokenValidations *prometheus.CounterVec
	tokensIssued     prometheus.Counter
	activeStreams    *prometheus.GaugeVec
	sessionsEvicted  *prometheus.CounterVec
	messagesRouted   *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		tokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_token_validations_total",
			Help: "Token validation outcomes by result and trust source.",
		}, []string{"result", "source"}),
		tokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_tokens_issued_total",
			Help: "Tokens minted through the management API.",
		}),
		activeStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_active_streams",
			Help: "Currently registered live streams by transport.",
		}, []string{"transport"}),
		sessionsEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sessions_evicted_total",
			Help: "Sessions closed by the broker, by reason.",
		}, []string{"reason"}),
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_routed_total",
			Help: "Out-of-band message routing outcomes.",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request latency by method, route and status code.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}

	reg.MustRegister(
		m.tokenValidations,
		m.tokensIssued,
		m.activeStreams,
		m.sessionsEvicted,
		m.messagesRouted,
		m.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveValidation(result string, source string) {
	m.tokenValidations.WithLabelValues(result, source).Inc()
}

func (m *Metrics) TokenIssued() {
	m.tokensIssued.Inc()
}

func (m *Metrics) StreamOpened(transport string) {
	m.activeStreams.WithLabelValues(transport).Inc()
}

func (m *Metrics) StreamClosed(transport string) {
	m.activeStreams.WithLabelValues(transport).Dec()
}

func (m *Metrics) SessionEvicted(reason string) {
	m.sessionsEvicted.WithLabelValues(reason).Inc()
}

func (m *Metrics) MessageRouted(outcome string) {
	m.messagesRouted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRequest(method, route string, code int, elapsed time.Duration) {
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(code)).Observe(elapsed.Seconds())
}
