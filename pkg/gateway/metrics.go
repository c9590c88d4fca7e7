package gateway

import (
	"psychbot/pkg/bus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "psychbot"

// Metrics counts pipeline lifecycle events published on the bus.
type Metrics struct {
	events          *prometheus.CounterVec
	skipped         *prometheus.CounterVec
	replies         *prometheus.CounterVec
	providerHealthy prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "pipeline_events_total",
				Help:      "Pipeline lifecycle events by type.",
			},
			[]string{"type"},
		),
		skipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "statuses_skipped_total",
				Help:      "Statuses not answered, by reason.",
			},
			[]string{"reason"},
		),
		replies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "replies_posted_total",
				Help:      "Replies posted, by generation outcome.",
			},
			[]string{"outcome", "truncated"},
		),
		providerHealthy: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "provider_healthy",
				Help:      "1 when the last generation provider health check passed.",
			},
		),
	}
}

func (m *Metrics) Observe(event bus.Event) {
	if m == nil {
		return
	}

	m.events.WithLabelValues(string(event.Type)).Inc()

	switch event.Type {
	case bus.EventSkipped:
		m.skipped.WithLabelValues(event.Payload[bus.PayloadReason]).Inc()
	case bus.EventReplyPosted:
		m.replies.WithLabelValues(event.Payload[bus.PayloadOutcome], event.Payload[bus.PayloadTruncated]).Inc()
	}
}

func (m *Metrics) SetProviderHealthy(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.providerHealthy.Set(1)
		return
	}
	m.providerHealthy.Set(0)
}
