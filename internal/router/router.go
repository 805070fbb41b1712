// Package router implements the Policy Router (C12): picks which policy_id
// a run should use, splitting traffic between an active and a candidate
// policy during a rollout via a stable hash so the same run context always
// routes the same way, for as long as the RolloutState is unchanged.
package router

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/hashutil"
	"github.com/kocoro-labs/policyloop/internal/metrics"
	"github.com/kocoro-labs/policyloop/internal/models"
)

// RolloutStateSource is the narrow read seam onto C13's singleton state.
type RolloutStateSource interface {
	Load(ctx context.Context) (models.RolloutState, bool, error)
}

// Router picks a policy_id for a run context.
type Router struct {
	source        RolloutStateSource
	logger        *zap.Logger
	defaultPolicy string

	overrideMu sync.RWMutex
	override   string
}

// New constructs a Router. defaultPolicy is returned only when no
// RolloutState has ever been written (a cold-start edge case spec.md
// doesn't explicitly cover, since it assumes a bootstrapped RolloutState).
func New(source RolloutStateSource, logger *zap.Logger, defaultPolicy string) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{source: source, logger: logger, defaultPolicy: defaultPolicy}
}

// SetActiveOverride installs spec.md §8's router.active_policy_override
// break-glass control: while set, every PickPolicy call returns it verbatim,
// bypassing rollout traffic splitting entirely. An empty string disables it.
// This is distinct from defaultPolicy, which only ever fires when no
// RolloutState exists at all; the override fires unconditionally once set,
// RolloutState or not. cmd/policyloopd sets it once at startup from the
// ROUTER_ACTIVE_POLICY_OVERRIDE env var; changing that value takes a restart.
func (r *Router) SetActiveOverride(policyID string) {
	r.overrideMu.Lock()
	r.override = policyID
	r.overrideMu.Unlock()
}

// PickPolicy implements spec.md §4.12's pick_policy(run_context) -> policy_id.
func (r *Router) PickPolicy(ctx context.Context, runCtx models.RunContext) (string, error) {
	r.overrideMu.RLock()
	override := r.override
	r.overrideMu.RUnlock()
	if override != "" {
		r.logger.Warn("router_active_policy_override", zap.String("policy_id", override))
		metrics.RouterDecisions.WithLabelValues("override").Inc()
		return override, nil
	}

	state, found, err := r.source.Load(ctx)
	if err != nil {
		return "", err
	}
	if !found {
		r.logger.Warn("router: no rollout state, falling back to default policy")
		metrics.RouterDecisions.WithLabelValues("cold_start_default").Inc()
		return r.defaultPolicy, nil
	}
	if state.Stage == models.StageIdle || state.Stage == models.StageFull || state.Stage == models.StageRollback {
		metrics.RouterDecisions.WithLabelValues("terminal").Inc()
		return state.ActivePolicy, nil
	}

	field, stable := stableField(runCtx)
	if !stable {
		r.logger.Warn("router_unstable_context",
			zap.String("active_policy", state.ActivePolicy),
		)
		metrics.RouterDecisions.WithLabelValues("unstable_fallback").Inc()
		return state.ActivePolicy, nil
	}

	h := hashutil.StableUnit(field)
	if split, ok := state.TrafficSplit[state.CandidatePolicy]; ok && h < split {
		metrics.RouterDecisions.WithLabelValues("candidate").Inc()
		return state.CandidatePolicy, nil
	}
	metrics.RouterDecisions.WithLabelValues("active").Inc()
	return state.ActivePolicy, nil
}

// stableField selects the first available identifier in priority order:
// task_id, run_id, (project_id, user_id), project_id. Returns ("", false)
// when none is present — per SPEC_FULL.md's Open Question #2 resolution,
// callers must fail closed to the active policy rather than mint a random
// id in that case.
func stableField(runCtx models.RunContext) (string, bool) {
	if runCtx.TaskID != "" {
		return "task_id:" + runCtx.TaskID, true
	}
	if runCtx.RunID != "" {
		return "run_id:" + runCtx.RunID, true
	}
	if runCtx.ProjectID != "" && runCtx.UserID != "" {
		return "project_user:" + runCtx.ProjectID + ":" + runCtx.UserID, true
	}
	if runCtx.ProjectID != "" {
		return "project_id:" + runCtx.ProjectID, true
	}
	return "", false
}
