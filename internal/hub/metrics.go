package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the hub. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	messages    *prometheus.CounterVec
	dropped     prometheus.Counter
	subscribers prometheus.Gauge
	pollWaits   prometheus.Gauge
}

// NewMetrics creates the hub collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hivehub",
			Subsystem: "hub",
			Name:      "messages_total",
			Help:      "Messages stored by the hub, by kind",
		}, []string{"kind"}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hivehub",
			Subsystem: "hub",
			Name:      "dropped_events_total",
			Help:      "Events dropped because a subscriber was lagging",
		}),
		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "hivehub",
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Live hub subscriptions",
		}),
		pollWaits: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "hivehub",
			Subsystem: "hub",
			Name:      "poll_waits",
			Help:      "Long polls currently waiting for messages",
		}),
	}
}

func (m *Metrics) messageStored(k Kind) {
	if m != nil {
		m.messages.WithLabelValues(k.String()).Inc()
	}
}

func (m *Metrics) eventDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *Metrics) setSubscribers(n int) {
	if m != nil {
		m.subscribers.Set(float64(n))
	}
}

func (m *Metrics) pollStarted() {
	if m != nil {
		m.pollWaits.Inc()
	}
}

func (m *Metrics) pollEnded() {
	if m != nil {
		m.pollWaits.Dec()
	}
}
