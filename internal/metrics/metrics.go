// Package metrics holds the Prometheus collectors for the session core and
// the development backend. Each Metrics value owns a private registry so
// tests and multiple instances never collide on the global one.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	SessionTransitions *prometheus.CounterVec

	BackendRequests *prometheus.CounterVec
	BackendLatency  *prometheus.HistogramVec

	DevBackendRequests *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		SessionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "busline",
			Name:      "session_transitions_total",
			Help:      "Session state transitions by source and target state.",
		}, []string{"from", "to"}),

		BackendRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "busline",
			Name:      "backend_requests_total",
			Help:      "Session client calls by operation and outcome kind.",
		}, []string{"op", "outcome"}),

		BackendLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "busline",
			Name:      "backend_request_duration_seconds",
			Help:      "Session client call latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"op"}),

		DevBackendRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "busline",
			Name:      "devbackend_requests_total",
			Help:      "Requests served by the development backend.",
		}, []string{"route", "status"}),
	}
}

// The Observe helpers are no-ops on a nil *Metrics so components can run
// without instrumentation.

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveBackendCall(op, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.BackendRequests.WithLabelValues(op, outcome).Inc()
	m.BackendLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) ObserveDevBackendRequest(route string, status int) {
	if m == nil {
		return
	}
	m.DevBackendRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
