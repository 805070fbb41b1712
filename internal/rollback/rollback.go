// Package rollback implements the Rollback Manager (C14): a KPI-based
// decision of whether a canary/partial candidate has regressed badly
// enough to pull all traffic back to the active policy, and the atomic
// rewrite of RolloutState that does so.
package rollback

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/audit"
	"github.com/kocoro-labs/policyloop/internal/metrics"
	"github.com/kocoro-labs/policyloop/internal/models"
)

// SuccessDropThreshold is the fixed (non-configurable) success-rate drop
// spec.md §4.14 names as an absolute rather than a ratio.
const SuccessDropThreshold = 0.05

// Config configures ShouldRollback's two operator-tunable thresholds.
type Config struct {
	MaxFailureRate  float64
	MaxCostIncrease float64
}

// DefaultConfig matches spec.md §8's illustrative defaults.
func DefaultConfig() Config {
	return Config{MaxFailureRate: 0.3, MaxCostIncrease: 0.15}
}

// StateStore is the narrow seam onto RolloutState persistence. The Rollout
// Manager (C13) owns the key on disk and implements this itself, passing
// itself in at construction — Rollback only ever mutates the state C13
// hands it, it never opens the artifact store directly.
type StateStore interface {
	Load(ctx context.Context) (models.RolloutState, bool, error)
	Save(ctx context.Context, state models.RolloutState) error
}

// Manager evaluates and executes rollbacks.
type Manager struct {
	store  StateStore
	audit  *audit.Writer
	logger *zap.Logger
	cfg    Config
}

// New constructs a Manager.
func New(store StateStore, auditW *audit.Writer, logger *zap.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, audit: auditW, logger: logger, cfg: cfg}
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

// ShouldRollback implements spec.md §4.14's OR rule: any one of these
// conditions is sufficient, unlike the AND rule the Rollout Manager's own
// advance-stage KPI check uses.
func (m *Manager) ShouldRollback(active, candidate models.PolicyKPI) bool {
	if candidate.FailureRate > m.cfg.MaxFailureRate {
		return true
	}
	if (active.SuccessRate - candidate.SuccessRate) > SuccessDropThreshold {
		return true
	}
	if ratio(candidate.AvgCostUSD-active.AvgCostUSD, active.AvgCostUSD) > m.cfg.MaxCostIncrease {
		return true
	}
	return false
}

// Rollback atomically rewrites RolloutState to return all traffic to the
// previous active policy and appends an audit entry.
func (m *Manager) Rollback(ctx context.Context, reason string) (models.RolloutState, error) {
	current, found, err := m.store.Load(ctx)
	if err != nil {
		return models.RolloutState{}, fmt.Errorf("rollback: load rollout state: %w", err)
	}
	if !found {
		return models.RolloutState{}, fmt.Errorf("rollback: no rollout state to roll back")
	}

	next := current
	next.Stage = models.StageRollback
	next.TrafficSplit = map[string]float64{current.ActivePolicy: 1.0}
	next.RollbackFromStage = current.Stage
	next.RollbackFromSplit = current.TrafficSplit
	next.RollbackAt = models.Now()
	next.LastCheckedAt = models.Now()

	if err := m.store.Save(ctx, next); err != nil {
		return models.RolloutState{}, fmt.Errorf("rollback: save rollout state: %w", err)
	}
	metrics.RolloutTransitions.WithLabelValues("rollback", string(models.StageRollback)).Inc()
	metrics.RolloutStage.Set(metrics.RolloutStageOrdinal(string(models.StageRollback)))

	if m.audit != nil {
		entry := audit.Entry{
			Action:          "rollback",
			FromStage:       string(current.Stage),
			ToStage:         string(models.StageRollback),
			ActivePolicy:    next.ActivePolicy,
			CandidatePolicy: next.CandidatePolicy,
			TrafficSplit:    next.TrafficSplit,
			Fields:          map[string]interface{}{"reason": reason},
			Timestamp:       models.Now(),
		}
		if err := m.audit.Write(entry); err != nil {
			m.logger.Warn("rollback: failed writing audit entry", zap.Error(err))
		}
	}

	return next, nil
}
