package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport metrics
	TransportEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campuslink_transport_events_total",
			Help: "Inbound transport events dispatched to subscribers",
		},
		[]string{"event"},
	)

	TransportDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "campuslink_transport_duplicates_total",
			Help: "Inbound transport events dropped as duplicates",
		},
	)

	TransportConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "campuslink_transport_connected",
			Help: "1 while the realtime channel is connected",
		},
	)

	// Outbox metrics
	OutboxEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "campuslink_outbox_enqueued_total",
			Help: "Requests diverted to the offline outbox",
		},
	)

	OutboxReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campuslink_outbox_replays_total",
			Help: "Outbox replay attempts by result",
		},
		[]string{"result"}, // "delivered", "retry", "dropped"
	)

	OutboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "campuslink_outbox_depth",
			Help: "Entries waiting in the outbox",
		},
	)

	// Rate limit metrics
	RateLimitLocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campuslink_rate_limit_locks_total",
			Help: "Transitions into the locked state",
		},
		[]string{"source"}, // "local" or "remote"
	)

	RateLimitRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "campuslink_rate_limit_rejected_total",
			Help: "Sends rejected locally while locked",
		},
	)

	// Reconcile metrics
	ReconcilePulls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campuslink_reconcile_pulls_total",
			Help: "Authoritative unread pulls by result",
		},
		[]string{"result"},
	)

	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "campuslink_reconcile_duration_seconds",
			Help:    "Duration of authoritative unread pulls",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	UnreadBadge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "campuslink_unread_badge",
			Help: "Current global unread badge value",
		},
	)

	// Crypto metrics
	DecryptFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "campuslink_decrypt_failures_total",
			Help: "Messages shown as raw ciphertext after a decrypt failure",
		},
	)

	KeyExchanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campuslink_key_exchanges_total",
			Help: "Conversation key exchanges by result",
		},
		[]string{"result"},
	)

	// Call metrics
	CallTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campuslink_call_transitions_total",
			Help: "Call state machine transitions by target state",
		},
		[]string{"state"},
	)
)
