// Package observability provides Prometheus metrics and transport
// middleware for monitoring UIA negotiations.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RoundTripBuckets defines histogram buckets suited for homeserver round
// trips, ranging from 10ms to 30s.
var RoundTripBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

// NegotiationBuckets covers whole ceremonies, which may wait on a human.
var NegotiationBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600}

var (
	// NegotiationsTotal counts finished negotiations by HTTP method and outcome.
	// Outcome is "success" or a NegotiationError kind.
	NegotiationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uiaa_negotiations_total",
			Help: "Finished negotiations",
		},
		[]string{"method", "outcome"},
	)

	// NegotiationDuration records the wall time of a whole negotiation.
	NegotiationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uiaa_negotiation_duration_seconds",
			Help:    "Negotiation duration",
			Buckets: NegotiationBuckets,
		},
		[]string{"method"},
	)

	// NegotiationRounds records how many round trips a negotiation needed.
	NegotiationRounds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "uiaa_negotiation_round_trips",
			Help:    "Round trips per negotiation",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10, 15},
		},
	)

	// ActiveNegotiations tracks negotiations currently in progress.
	ActiveNegotiations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "uiaa_negotiations_active",
			Help: "Negotiations in progress",
		},
	)

	// RoundTripsTotal counts homeserver round trips by method and status class.
	RoundTripsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uiaa_round_trips_total",
			Help: "Homeserver round trips",
		},
		[]string{"method", "status"},
	)

	// RoundTripLatency records homeserver round trip latency in seconds.
	RoundTripLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uiaa_round_trip_latency_seconds",
			Help:    "Homeserver round trip latency",
			Buckets: RoundTripBuckets,
		},
		[]string{"method"},
	)

	// StageSubmissionsTotal counts proofs submitted per stage and what the
	// homeserver made of them: "completed", "rejected" or "pending".
	StageSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uiaa_stage_submissions_total",
			Help: "Stage proofs submitted",
		},
		[]string{"stage", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		NegotiationsTotal,
		NegotiationDuration,
		NegotiationRounds,
		ActiveNegotiations,
		RoundTripsTotal,
		RoundTripLatency,
		StageSubmissionsTotal,
	)
}

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
