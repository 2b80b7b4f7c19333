package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_negotiator"

var (
	RidesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_created_total", Help: "Total ride requests created"})
	OffersTotal       = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_total", Help: "Offers committed, by side and kind"},
		[]string{"role", "kind"},
	)
	AgreementsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "agreements_total", Help: "Rides that reached an agreed fare"})
	RejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "negotiation_rejections_total", Help: "Mutations refused by the engine, by operation and reason"},
		[]string{"op", "reason"},
	)
	NegotiationRounds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "negotiation_rounds",
		Help:      "Number of offers in a thread when the ride was agreed",
		Buckets:   []float64{1, 2, 3, 4, 5, 8, 13, 21},
	})
	LockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ride_lock_wait_seconds",
		Help:      "Time spent waiting for the per-ride lock",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
	})
	EventPublishErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "event_publish_errors_total", Help: "Events that at least one sink failed to accept"})
	WSSessions         = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Open websocket subscriptions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
