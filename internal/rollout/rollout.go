// Package rollout implements the Rollout Manager (C13): the three-stage
// canary state machine that owns RolloutState on disk, advances or holds a
// candidate's traffic share based on a KPI check, and delegates to the
// Rollback Manager (C14) the moment that check fails.
package rollout

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/audit"
	"github.com/kocoro-labs/policyloop/internal/metrics"
	"github.com/kocoro-labs/policyloop/internal/models"
	"github.com/kocoro-labs/policyloop/internal/rollback"
	"github.com/kocoro-labs/policyloop/internal/store"
)

const stateKey = "rollout_state.json"

// KPISource is the narrow read seam onto C6 this package needs.
type KPISource interface {
	GetPolicy(policyID string) (models.PolicyKPI, bool)
}

// PolicySource resolves the latest trained policy id, used by ResetToIdle.
type PolicySource interface {
	LatestPolicyID(ctx context.Context) (string, bool, error)
}

// Config configures the canary ladder and the advance-stage KPI check.
type Config struct {
	CanaryTrafficPct  float64
	PartialTrafficPct float64
	MinSuccessUplift  float64
	MaxCostIncrease   float64
	MaxFailureRate    float64
	KPIWindow         int
}

// DefaultConfig matches spec.md §4.13/§8's illustrative defaults.
func DefaultConfig() Config {
	return Config{
		CanaryTrafficPct:  0.05,
		PartialTrafficPct: 0.25,
		MinSuccessUplift:  0.0,
		MaxCostIncrease:   0.15,
		MaxFailureRate:    0.3,
		KPIWindow:         100,
	}
}

// ErrRefused is returned when an operation is attempted from a stage that
// doesn't permit it.
type ErrRefused struct {
	Operation string
	Stage     models.RolloutStage
}

func (e *ErrRefused) Error() string {
	return fmt.Sprintf("rollout: %s refused in stage %s", e.Operation, e.Stage)
}

// Manager is the Rollout Manager. It exclusively owns RolloutState on disk
// and is the StateStore the Rollback Manager mutates through.
type Manager struct {
	artifacts    *store.Store
	audit        *audit.Writer
	logger       *zap.Logger
	kpi          KPISource
	policySource PolicySource
	cfg          Config
	rb           *rollback.Manager
}

// New constructs a Manager, wiring an internal Rollback Manager against
// this Manager's own state persistence.
func New(artifacts *store.Store, auditW *audit.Writer, logger *zap.Logger, kpi KPISource, policySource PolicySource, cfg Config, rollbackCfg rollback.Config) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{artifacts: artifacts, audit: auditW, logger: logger, kpi: kpi, policySource: policySource, cfg: cfg}
	m.rb = rollback.New(m, auditW, logger, rollbackCfg)
	return m
}

// SetPolicySource wires the Learning Controller in after construction: the
// Controller's own PolicySource implementation needs a *Manager to read
// RolloutState, so the two can't be constructed in a single pass.
func (m *Manager) SetPolicySource(p PolicySource) {
	m.policySource = p
}

// Load implements rollback.StateStore and router.RolloutStateSource.
func (m *Manager) Load(ctx context.Context) (models.RolloutState, bool, error) {
	data, absent, err := m.artifacts.Get(stateKey)
	if err != nil {
		return models.RolloutState{}, false, fmt.Errorf("rollout: load state: %w", err)
	}
	if absent {
		return models.RolloutState{}, false, nil
	}
	var state models.RolloutState
	if err := json.Unmarshal(data, &state); err != nil {
		return models.RolloutState{}, false, fmt.Errorf("rollout: unmarshal state: %w", err)
	}
	return state, true, nil
}

// Save implements rollback.StateStore.
func (m *Manager) Save(ctx context.Context, state models.RolloutState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("rollout: marshal state: %w", err)
	}
	if _, err := m.artifacts.Put(stateKey, data); err != nil {
		return fmt.Errorf("rollout: persist state: %w", err)
	}
	return nil
}

func (m *Manager) writeAudit(action string, from, to models.RolloutStage, state models.RolloutState, kpiCheck map[string]interface{}) {
	if m.audit == nil {
		return
	}
	entry := audit.Entry{
		Action:          action,
		FromStage:       string(from),
		ToStage:         string(to),
		ActivePolicy:    state.ActivePolicy,
		CandidatePolicy: state.CandidatePolicy,
		TrafficSplit:    state.TrafficSplit,
		KPICheck:        kpiCheck,
		Timestamp:       models.Now(),
	}
	if err := m.audit.Write(entry); err != nil {
		m.logger.Warn("rollout: failed writing audit entry", zap.Error(err))
	}
	metrics.RolloutTransitions.WithLabelValues(action, string(to)).Inc()
	metrics.RolloutStage.Set(metrics.RolloutStageOrdinal(string(to)))
}

// StartCanary begins a canary rollout of candidate against active. Only
// allowed when the current stage is idle, rollback, or full (or no state
// has ever been written).
func (m *Manager) StartCanary(ctx context.Context, active, candidate string) (models.RolloutState, error) {
	current, found, err := m.Load(ctx)
	if err != nil {
		return models.RolloutState{}, err
	}
	fromStage := models.StageIdle
	if found {
		fromStage = current.Stage
		if fromStage != models.StageIdle && fromStage != models.StageRollback && fromStage != models.StageFull {
			return models.RolloutState{}, &ErrRefused{Operation: "start_canary", Stage: fromStage}
		}
	}

	next := models.RolloutState{
		SchemaVersion:   models.SchemaVersion,
		ActivePolicy:    active,
		CandidatePolicy: candidate,
		Stage:           models.StageCanary,
		TrafficSplit:    map[string]float64{candidate: m.cfg.CanaryTrafficPct, active: 1 - m.cfg.CanaryTrafficPct},
		KPIWindow:       m.cfg.KPIWindow,
		StartedAt:       models.Now(),
		LastCheckedAt:   models.Now(),
	}
	if err := m.Save(ctx, next); err != nil {
		return models.RolloutState{}, err
	}
	m.writeAudit("start_canary", fromStage, models.StageCanary, next, nil)
	return next, nil
}

// kpiCheckPasses implements spec.md §4.13's AND rule, shared by AdvanceStage
// and CheckAndMaybeAdvanceOrRollback's "gate" branch.
func (m *Manager) kpiCheckPasses(active, candidate models.PolicyKPI) (bool, map[string]interface{}) {
	costRatio := ratio(candidate.AvgCostUSD-active.AvgCostUSD, active.AvgCostUSD)
	successUplift := candidate.SuccessRate - active.SuccessRate
	pass := candidate.FailureRate <= m.cfg.MaxFailureRate &&
		successUplift >= m.cfg.MinSuccessUplift &&
		costRatio <= m.cfg.MaxCostIncrease
	detail := map[string]interface{}{
		"failure_rate":    candidate.FailureRate,
		"success_uplift":  successUplift,
		"cost_ratio":      costRatio,
		"pass":            pass,
	}
	return pass, detail
}

func ratio(num, den float64) float64 {
	if den == 0 {
		if num <= 0 {
			return 0
		}
		return 1.0
	}
	return num / den
}

// AdvanceStage runs the KPI check and either transitions to the next
// traffic fraction or delegates to the Rollback Manager.
func (m *Manager) AdvanceStage(ctx context.Context) (models.RolloutState, error) {
	current, found, err := m.Load(ctx)
	if err != nil {
		return models.RolloutState{}, err
	}
	if !found || current.Stage == models.StageIdle || current.Stage == models.StageFull || current.Stage == models.StageRollback {
		stage := models.StageIdle
		if found {
			stage = current.Stage
		}
		return models.RolloutState{}, &ErrRefused{Operation: "advance_stage", Stage: stage}
	}

	active, candidate := m.lookupKPIs(current)
	pass, detail := m.kpiCheckPasses(active, candidate)
	if !pass {
		return m.rb.Rollback(ctx, "kpi_check_failed")
	}
	return m.transition(ctx, current, detail)
}

func (m *Manager) lookupKPIs(state models.RolloutState) (active, candidate models.PolicyKPI) {
	if m.kpi == nil {
		return models.PolicyKPI{}, models.PolicyKPI{}
	}
	active, _ = m.kpi.GetPolicy(state.ActivePolicy)
	candidate, _ = m.kpi.GetPolicy(state.CandidatePolicy)
	return active, candidate
}

// transition advances current one step along the canary ladder.
func (m *Manager) transition(ctx context.Context, current models.RolloutState, kpiCheck map[string]interface{}) (models.RolloutState, error) {
	next := current
	next.LastCheckedAt = models.Now()
	fromStage := current.Stage

	switch current.Stage {
	case models.StageCanary:
		next.Stage = models.StagePartial
		next.TrafficSplit = map[string]float64{
			current.CandidatePolicy: m.cfg.PartialTrafficPct,
			current.ActivePolicy:    1 - m.cfg.PartialTrafficPct,
		}
	case models.StagePartial:
		next.Stage = models.StageFull
		next.PreviousActive = current.ActivePolicy
		next.ActivePolicy = current.CandidatePolicy
		next.CandidatePolicy = ""
		next.TrafficSplit = map[string]float64{next.ActivePolicy: 1.0}
	default:
		return models.RolloutState{}, &ErrRefused{Operation: "advance_stage", Stage: current.Stage}
	}

	if err := m.Save(ctx, next); err != nil {
		return models.RolloutState{}, err
	}
	m.writeAudit("advance_stage", fromStage, next.Stage, next, kpiCheck)
	return next, nil
}

// CheckAndMaybeAdvanceOrRollback is the periodic tick: a no-op in terminal
// stages, otherwise it checks the rollback condition first (distinct, more
// severe OR rule), then the advance gate (AND rule), else holds.
func (m *Manager) CheckAndMaybeAdvanceOrRollback(ctx context.Context) (models.RolloutState, string, error) {
	current, found, err := m.Load(ctx)
	if err != nil {
		return models.RolloutState{}, "", err
	}
	if !found || current.Stage == models.StageIdle || current.Stage == models.StageFull || current.Stage == models.StageRollback {
		if found {
			return current, "noop", nil
		}
		return models.RolloutState{}, "noop", nil
	}

	active, candidate := m.lookupKPIs(current)
	if m.rb.ShouldRollback(active, candidate) {
		state, err := m.rb.Rollback(ctx, "rollback_condition_met")
		return state, "rollback", err
	}

	pass, detail := m.kpiCheckPasses(active, candidate)
	if pass {
		state, err := m.transition(ctx, current, detail)
		return state, "advance", err
	}

	current.LastCheckedAt = models.Now()
	if err := m.Save(ctx, current); err != nil {
		return models.RolloutState{}, "", err
	}
	m.writeAudit("hold", current.Stage, current.Stage, current, detail)
	return current, "hold", nil
}

// ManualRollback lets an operator trigger C14's rollback outside the
// automatic KPI-check path, e.g. via the admin API's rollback operation.
func (m *Manager) ManualRollback(ctx context.Context, reason string) (models.RolloutState, error) {
	if reason == "" {
		reason = "manual"
	}
	return m.rb.Rollback(ctx, reason)
}

// ResetToIdle administratively resets RolloutState to idle, resolving the
// active policy from the latest trained policy version.
func (m *Manager) ResetToIdle(ctx context.Context) (models.RolloutState, error) {
	current, found, err := m.Load(ctx)
	if err != nil {
		return models.RolloutState{}, err
	}
	active := ""
	fromStage := models.StageIdle
	if found {
		active = current.ActivePolicy
		fromStage = current.Stage
	}
	if m.policySource != nil {
		if latest, ok, err := m.policySource.LatestPolicyID(ctx); err == nil && ok {
			active = latest
		}
	}

	next := models.RolloutState{
		SchemaVersion: models.SchemaVersion,
		ActivePolicy:  active,
		Stage:         models.StageIdle,
		TrafficSplit:  map[string]float64{active: 1.0},
		LastCheckedAt: models.Now(),
	}
	if err := m.Save(ctx, next); err != nil {
		return models.RolloutState{}, err
	}
	m.writeAudit("reset_to_idle", fromStage, models.StageIdle, next, nil)
	return next, nil
}
