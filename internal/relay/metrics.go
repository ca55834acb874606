package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "presence_relay"

	admissionAccepted = "accepted"
	admissionRejected = "rejected"
)

// Metrics holds the relay's Prometheus instruments.
type Metrics struct {
	liveConnections prometheus.Gauge
	activeSessions  prometheus.Gauge
	admissions      *prometheus.CounterVec
	broadcasts      prometheus.Counter
	deliveries      prometheus.Counter
	evictions       prometheus.Counter
	parseErrors     prometheus.Counter
	unauthenticated prometheus.Counter
}

// NewMetrics registers the relay instruments with registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		liveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections",
			Help:      "Connections currently tracked, admitted or not",
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Connections currently bound to a username",
		}),
		admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission attempts by result",
		}, []string{"result"}),
		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Envelopes fanned out",
		}),
		deliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Envelopes queued onto a connection",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Connections dropped because their send queue was full",
		}),
		parseErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Inbound frames that did not decode into a valid envelope",
		}),
		unauthenticated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unauthenticated_total",
			Help:      "Upgrades closed for lack of a valid bearer token",
		}),
	}
}
