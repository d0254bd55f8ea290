package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "drivehub", Name: "matches_total", Help: "Total number of accepted offers"})
	MatchLatency     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "drivehub", Name: "match_latency_seconds", Help: "Time from search start to acceptance", Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120}})
	NoProvidersTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "drivehub", Name: "no_providers_total", Help: "Requests cancelled because every candidate declined or none existed"})
	ProvidersOnline  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "drivehub", Name: "providers_online", Help: "Number of online providers"})

	OffersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "drivehub", Name: "offers_total", Help: "Offers by outcome"},
		[]string{"outcome"},
	)
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "drivehub", Name: "request_transitions_total", Help: "Request state transitions by target state"},
		[]string{"to"},
	)
	ActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "drivehub", Name: "active_requests", Help: "Requests not yet in a terminal state"})

	RouteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "drivehub", Name: "route_requests_total", Help: "Route lookups by result"},
		[]string{"result"},
	)
	RouteLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "drivehub", Name: "route_latency_seconds", Help: "Routing backend latency", Buckets: prometheus.DefBuckets})

	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "drivehub", Name: "events_published_total", Help: "Bus messages published by topic and result"},
		[]string{"topic", "result"},
	)
	HeartbeatsConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "drivehub", Name: "heartbeats_consumed_total", Help: "Provider heartbeats consumed by result"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "drivehub", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "drivehub",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

