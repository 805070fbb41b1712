// Package metrics exposes the Prometheus counters, histograms, and gauges
// the core's components record against as they run: routing decisions,
// rollout stage transitions, learning ticks, exploration candidates, the
// trace store, failure-budget state, and the admin HTTP surface. Every var
// here is read by promhttp.Handler(), mounted at /metrics on the health
// server in cmd/policyloopd.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Policy Router (C12)
	RouterDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyloop_router_decisions_total",
			Help: "Total pick_policy decisions by the outcome that produced them",
		},
		[]string{"outcome"}, // override, cold_start_default, terminal, unstable_fallback, candidate, active
	)

	// Rollout Manager (C13)
	RolloutTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyloop_rollout_transitions_total",
			Help: "Total rollout stage transitions by action and destination stage",
		},
		[]string{"action", "to_stage"}, // action: start_canary/advance_stage/rollback/reset_to_idle/hold
	)

	RolloutStage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "policyloop_rollout_stage",
			Help: "Current rollout stage as an ordinal: idle=0 canary=1 partial=2 full=3 rollback=4",
		},
	)

	// Learning Controller (C15)
	LearningTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "policyloop_learning_tick_duration_seconds",
			Help:    "Duration of each learning tick invocation",
			Buckets: prometheus.DefBuckets,
		},
	)

	LearningTickOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyloop_learning_tick_outcomes_total",
			Help: "Total learning ticks by resulting action",
		},
		[]string{"action"}, // rollout_tick, skip, trained, blocked, error
	)

	// Exploration Engine (C8)
	ExplorationCandidatesLaunched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policyloop_exploration_candidates_launched_total",
			Help: "Total candidate policies launched by the exploration engine",
		},
	)

	ExplorationCandidatesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyloop_exploration_candidates_rejected_total",
			Help: "Total candidate launches refused, by reason",
		},
		[]string{"reason"}, // budget_hard_stop, max_parallel_reached
	)

	// Failure Budget (C7)
	BudgetHardStop = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "policyloop_budget_hard_stop",
			Help: "1 when the failure budget's hard-stop guard is engaged, else 0",
		},
	)

	// Trace Store (C2)
	TraceEventsAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policyloop_trace_events_appended_total",
			Help: "Total events appended to the trace store's per-run event log",
		},
	)

	TraceSummariesSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policyloop_trace_summaries_saved_total",
			Help: "Total run summaries persisted to the trace store",
		},
	)

	// Admin HTTP API
	AdminRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyloop_admin_requests_total",
			Help: "Total admin API requests by route and response status class",
		},
		[]string{"route", "status"},
	)

	AdminRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "policyloop_admin_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// RolloutStageOrdinal maps a rollout stage name to the ordinal RolloutStage
// reports, so the gauge stays a plain number Prometheus can graph and
// alert on without string labels.
func RolloutStageOrdinal(stage string) float64 {
	switch stage {
	case "idle":
		return 0
	case "canary":
		return 1
	case "partial":
		return 2
	case "full":
		return 3
	case "rollback":
		return 4
	default:
		return -1
	}
}
