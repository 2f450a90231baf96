package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "sensor_gateway"

// Metrics groups every collector the gateway exports on /metrics
type Metrics struct {
	CommandsTotal    *prometheus.CounterVec
	CommandLatency   *prometheus.HistogramVec
	PendingRequests  prometheus.Gauge
	UnmatchedReplies prometheus.Counter

	MalformedMessages    prometheus.Counter
	ReadingsReceived     prometheus.Counter
	ReadingsDiscarded    *prometheus.CounterVec
	ReadingsPersisted    prometheus.Counter
	ReadingsDeadLettered prometheus.Counter
	ReadingsOverflowed   prometheus.Counter
	FlushDuration        prometheus.Histogram
	FlushFailures        prometheus.Counter

	OpenSessions prometheus.Gauge
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands sent to sensors by command and outcome.",
		}, []string{"command", "outcome"}),
		CommandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_latency_seconds",
			Help:      "Time from publish to classified outcome.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		}, []string{"command"}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Commands waiting for a sensor answer.",
		}),
		UnmatchedReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unmatched_replies_total",
			Help:      "Sensor answers with no matching pending command.",
		}),
		MalformedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Inbound sensor messages that failed to parse.",
		}),
		ReadingsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_received_total",
			Help:      "Readings received from sensors.",
		}),
		ReadingsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_discarded_total",
			Help:      "Readings not recorded, by reason.",
		}, []string{"reason"}),
		ReadingsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_persisted_total",
			Help:      "Readings written to the reading store.",
		}),
		ReadingsDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_dead_lettered_total",
			Help:      "Accepted readings handed to the dead-letter topic after the store kept failing.",
		}),
		ReadingsOverflowed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_overflowed_total",
			Help:      "Accepted readings sent to the dead-letter topic because the ingest backlog was full.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Duration of reading batch flushes.",
			Buckets:   prometheus.DefBuckets,
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_failures_total",
			Help:      "Failed attempts to write a reading batch.",
		}),
		OpenSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Sessions currently open.",
		}),
	}

	reg.MustRegister(
		m.CommandsTotal,
		m.CommandLatency,
		m.PendingRequests,
		m.UnmatchedReplies,
		m.MalformedMessages,
		m.ReadingsReceived,
		m.ReadingsDiscarded,
		m.ReadingsPersisted,
		m.ReadingsDeadLettered,
		m.ReadingsOverflowed,
		m.FlushDuration,
		m.FlushFailures,
		m.OpenSessions,
	)
	return m
}

// NewUnregistered is used by tests that do not expose metrics
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
