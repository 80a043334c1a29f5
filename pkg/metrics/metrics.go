package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SlotsResolved counts resolved slots by outcome (matched/closed/race_lost)
var SlotsResolved = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pharmslot_slots_resolved_total",
		Help: "Total number of slots resolved by the engine",
	},
	[]string{"outcome"},
)

// BidsPlaced counts bids accepted by claim intake
var BidsPlaced = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "pharmslot_bids_placed_total",
		Help: "Total number of bids placed",
	},
)

// RequestsExpired counts match requests expired by the sweep
var RequestsExpired = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "pharmslot_match_requests_expired_total",
		Help: "Total number of match requests expired by the sweep",
	},
)

// Refunds counts compensation outcomes (refunded/already_refunded/skipped/failed)
var Refunds = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pharmslot_refunds_total",
		Help: "Total number of compensation attempts by result",
	},
	[]string{"result"},
)

// SweepDuration records latency distribution for sweep cycles by kind
var SweepDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "pharmslot_sweep_duration_seconds",
		Help:    "Latency in seconds of individual sweep cycles",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"kind"},
)

// SweepErrors counts per-entity failures during sweeps by kind
var SweepErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pharmslot_sweep_errors_total",
		Help: "Total number of per-entity failures during sweeps",
	},
	[]string{"kind"},
)

func init() {
	prometheus.MustRegister(SlotsResolved, BidsPlaced, RequestsExpired, Refunds)
	prometheus.MustRegister(SweepDuration, SweepErrors)
}
