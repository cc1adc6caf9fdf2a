package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IntentsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "giftcard_intents_created_total",
		Help: "Total number of payment intents created",
	})

	IntentsDedupedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "giftcard_intents_deduped_total",
		Help: "Total number of create calls answered with an existing intent",
	})

	IntentsExpiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftcard_intents_expired_total",
		Help: "Total number of intents moved to expired",
	}, []string{"source"})

	IntentTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftcard_intent_transitions_total",
		Help: "Intent status transitions by target status",
	}, []string{"status"})

	TransactionsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "giftcard_transactions_submitted_total",
		Help: "Total number of transaction hashes attached to intents",
	})

	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftcard_verifications_total",
		Help: "Verification runs by verdict",
	}, []string{"verdict"})

	ReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftcard_reservations_total",
		Help: "Successful inventory reservations by matching tier",
	}, []string{"tier"})

	ReservationConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "giftcard_reservation_conflicts_total",
		Help: "Compare-and-set misses while reserving inventory",
	})

	ReservationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "giftcard_reservation_latency_seconds",
		Help:    "Latency of inventory matching and reservation",
		Buckets: prometheus.DefBuckets,
	})

	UnmatchedPaymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftcard_unmatched_payments_total",
		Help: "Payments that moved money without a fulfillment",
	}, []string{"reason"})

	FulfillmentEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftcard_fulfillment_events_total",
		Help: "Fulfillment events by publish result",
	}, []string{"result"})

	NotificationsDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftcard_notifications_delivered_total",
		Help: "Events handed to the notifier, by event type",
	}, []string{"event_type"})

	ChainLookupLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "giftcard_chain_lookup_latency_seconds",
		Help:    "Latency of chain adapter lookups made during verification",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
