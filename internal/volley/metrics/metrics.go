package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const prefix = "volley_"

// Metrics holds the simulation-wide prometheus instruments. Constructed once
// per process against the default registerer; tests pass their own.
type Metrics struct {
	MessagesSent      prometheus.Counter
	SendErrors        prometheus.Counter
	MessagesDelivered prometheus.Counter
	ProcessingTime    prometheus.Histogram
	ActiveRuns        prometheus.Gauge
}

func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "messages_sent_total",
			Help: "Messages successfully handed to the agent for delivery.",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "send_errors_total",
			Help: "Message sends that failed before obtaining a thread id.",
		}),
		MessagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "messages_delivered_total",
			Help: "Delivery confirmations received from the agent.",
		}),
		ProcessingTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "message_processing_seconds",
			Help:    "Time from send to delivery confirmation.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "active_runs",
			Help: "Simulation runs currently in progress.",
		}),
	}
}
