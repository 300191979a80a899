// Package metrics holds the Prometheus collectors of the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "recorder"

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Connected signaling sessions.",
	})

	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_transitions_total",
		Help:      "Negotiation state transitions by target state.",
	}, []string{"state"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Errors reported to clients by kind.",
	}, []string{"kind"})

	ArtifactBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "artifact_bytes",
		Help:      "Size of uploaded recordings.",
		Buckets:   prometheus.ExponentialBuckets(64<<10, 4, 8),
	})

	RecordingStartSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "recording_start_seconds",
		Help:      "Time from offer to a running recorder.",
		Buckets:   prometheus.DefBuckets,
	})

	CallsConnected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_connected_total",
		Help:      "Calls whose both parties were matched.",
	})

	RelayedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relayed_messages_total",
		Help:      "Call-path messages forwarded between parties.",
	}, []string{"kind"})

	CleanupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cleanup_failures_total",
		Help:      "Failures swallowed at the cleanup boundary.",
	})
)
