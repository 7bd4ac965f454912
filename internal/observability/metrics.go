package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchingsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "technician_matching", Name: "matchings_created_total", Help: "Total number of matchings created"})
	MatchingOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "technician_matching", Name: "matching_outcomes_total", Help: "Matchings reaching a terminal status"},
		[]string{"status"},
	)
	OffersResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "technician_matching", Name: "offers_resolved_total", Help: "Technician offers by outcome"},
		[]string{"outcome"},
	)
	RadiusExpansions = promauto.NewCounter(prometheus.CounterOpts{Namespace: "technician_matching", Name: "radius_expansions_total", Help: "Search radius expansions"})
	TimeToMatch      = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "technician_matching",
		Name:      "time_to_match_seconds",
		Help:      "Time from matching creation to technician acceptance",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
	})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "technician_matching", Name: "active_sessions", Help: "Matchings currently driven by this process"})
	GatewayRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "technician_matching", Name: "gateway_retries_total", Help: "Retried external gateway calls"},
		[]string{"operation"},
	)
	SagaWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "technician_matching", Name: "saga_warnings_total", Help: "Post-match steps that failed after retries"},
		[]string{"step"},
	)
	TechniciansUpserted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "technician_matching", Name: "technicians_upserted_total", Help: "Technician location updates applied"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "technician_matching", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "technician_matching",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
