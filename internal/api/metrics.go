package api

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// serverMetrics holds the Prometheus metrics of the API server.
// A nil *serverMetrics records nothing.
type serverMetrics struct {
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	wsConns      *prometheus.GaugeVec
	wsMessages   *prometheus.CounterVec
	wsSubs       prometheus.Gauge
	authFailures *prometheus.CounterVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	const ns, sub = "hivehub", "api"

	return &serverMetrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds, long polls included",
			Buckets:   []float64{.005, .025, .1, .5, 1, 5, 15, 30, 60},
		}, []string{"method", "route"}),

		wsConns: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "websocket_connections",
			Help:      "Open WebSocket connections by endpoint",
		}, []string{"endpoint"}),

		wsMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "websocket_requests_total",
			Help:      "WebSocket requests by action and status",
		}, []string{"action", "status"}),

		wsSubs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "websocket_subscriptions",
			Help:      "Active WebSocket notification and command subscriptions",
		}),

		authFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "auth_failures_total",
			Help:      "Rejected credentials by transport",
		}, []string{"transport"}),
	}
}

func (m *serverMetrics) observeRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *serverMetrics) wsOpened(endpoint string) {
	if m != nil {
		m.wsConns.WithLabelValues(endpoint).Inc()
	}
}

func (m *serverMetrics) wsClosed(endpoint string) {
	if m != nil {
		m.wsConns.WithLabelValues(endpoint).Dec()
	}
}

func (m *serverMetrics) wsRequest(action, status string) {
	if m != nil {
		m.wsMessages.WithLabelValues(action, status).Inc()
	}
}

func (m *serverMetrics) subscriptionAdded() {
	if m != nil {
		m.wsSubs.Inc()
	}
}

func (m *serverMetrics) subscriptionRemoved() {
	if m != nil {
		m.wsSubs.Dec()
	}
}

func (m *serverMetrics) authFailed(transport string) {
	if m != nil {
		m.authFailures.WithLabelValues(transport).Inc()
	}
}
