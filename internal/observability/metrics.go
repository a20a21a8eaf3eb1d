package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "freight"

var (
	RouteFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "route_fetch_total", Help: "Route lookups by outcome (ok, cache, fallback)"},
		[]string{"outcome"},
	)
	RouteFetchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "route_fetch_seconds", Help: "Route provider latency seconds"})

	TripTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trip_transitions_total", Help: "Trip status transitions applied"},
		[]string{"to"},
	)
	OrdersAcceptedTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "orders_accepted_total", Help: "Orders accepted by operators"})
	CapacityRejectsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "capacity_rejections_total", Help: "Accept attempts rejected by the accepted-orders limit"})
	RatingsTotal         = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ratings_total", Help: "Ratings recorded"})
	OperatorsAvailable   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "operators_available", Help: "Operators reported available by the last listing"})

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notifications handed to the notifier by result"},
		[]string{"result"},
	)
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Candidate ranking latency seconds"})

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

// ConsumerMessagesTotal counts position events seen by cmd/consumer by result
// (consumed, invalid, indexed, failed).
var ConsumerMessagesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{Namespace: namespace, Name: "consumer_messages_total", Help: "Position events handled by the consumer"},
	[]string{"result"},
)
