// Package metrics holds the Prometheus collectors for the referral engine.
//
// Collectors are registered on the default registry at init, and exposed
// by the HTTP server on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// GRANTS
// =============================================================================

var GrantOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "referral",
	Name:      "grant_outcomes_total",
	Help:      "Grant attempts by trigger and outcome.",
}, []string{"trigger", "outcome"})

var GrantDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "referral",
	Name:      "grant_duration_seconds",
	Help:      "Time spent in one grant attempt, including store calls.",
	Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
})

var CoinsGranted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "referral",
	Name:      "coins_granted_total",
	Help:      "Sum of reward amounts credited to referrers.",
})

var NotificationsFailed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "referral",
	Name:      "notifications_failed_total",
	Help:      "Reward notifications that could not be delivered.",
})

// =============================================================================
// REGISTRATION
// =============================================================================

var Registrations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "referral",
	Name:      "registrations_total",
	Help:      "Join events by result (created, merged, failed).",
}, []string{"result"})

// =============================================================================
// SWEEPS
// =============================================================================

var SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "referral",
	Name:      "sweep_runs_total",
	Help:      "Reconciliation sweeps by final status.",
}, []string{"status"})

var SweepCandidates = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "referral",
	Name:      "sweep_candidates",
	Help:      "Records scanned by the most recent sweep.",
})
