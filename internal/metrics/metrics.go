// Package metrics defines the Prometheus instrumentation exposed by the bus
// server's /metrics endpoint. Grounded on the pack's prometheus/client_golang
// usage (platform-agent's health/metrics stack).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive tracks the current size of the server's client registry.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sporket_sessions_active",
		Help: "Number of currently registered server sessions.",
	})

	// MessagesTotal counts envelopes sent or accepted, labeled by message type.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sporket_messages_total",
		Help: "Total number of envelopes processed, by type.",
	}, []string{"type"})

	// HandshakeFailuresTotal counts failed challenge verifications.
	HandshakeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sporket_handshake_failures_total",
		Help: "Total number of failed handshake attempts.",
	})

	// ReconnectAttemptsTotal counts client-side reconnect attempts scheduled
	// by the Socket backoff controller.
	ReconnectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sporket_reconnect_attempts_total",
		Help: "Total number of client reconnect attempts scheduled.",
	})
)
