package rollback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/audit"
	"github.com/kocoro-labs/policyloop/internal/models"
	"github.com/kocoro-labs/policyloop/internal/store"
)

type fakeStateStore struct {
	state models.RolloutState
	found bool
	saved models.RolloutState
}

func (f *fakeStateStore) Load(ctx context.Context) (models.RolloutState, bool, error) {
	return f.state, f.found, nil
}
func (f *fakeStateStore) Save(ctx context.Context, state models.RolloutState) error {
	f.saved = state
	f.state = state
	f.found = true
	return nil
}

func TestShouldRollbackOnFailureRateExceeded(t *testing.T) {
	m := New(&fakeStateStore{}, nil, zap.NewNop(), DefaultConfig())
	active := models.PolicyKPI{SuccessRate: 0.9, FailureRate: 0.05, AvgCostUSD: 0.1}
	candidate := models.PolicyKPI{SuccessRate: 0.9, FailureRate: 0.5, AvgCostUSD: 0.1}
	require.True(t, m.ShouldRollback(active, candidate))
}

func TestShouldRollbackOnSuccessDrop(t *testing.T) {
	m := New(&fakeStateStore{}, nil, zap.NewNop(), DefaultConfig())
	active := models.PolicyKPI{SuccessRate: 0.9, FailureRate: 0.05, AvgCostUSD: 0.1}
	candidate := models.PolicyKPI{SuccessRate: 0.8, FailureRate: 0.05, AvgCostUSD: 0.1}
	require.True(t, m.ShouldRollback(active, candidate))
}

func TestShouldRollbackOnCostIncrease(t *testing.T) {
	m := New(&fakeStateStore{}, nil, zap.NewNop(), DefaultConfig())
	active := models.PolicyKPI{SuccessRate: 0.9, FailureRate: 0.05, AvgCostUSD: 0.1}
	candidate := models.PolicyKPI{SuccessRate: 0.9, FailureRate: 0.05, AvgCostUSD: 0.5}
	require.True(t, m.ShouldRollback(active, candidate))
}

func TestShouldNotRollbackWhenCandidateHealthy(t *testing.T) {
	m := New(&fakeStateStore{}, nil, zap.NewNop(), DefaultConfig())
	active := models.PolicyKPI{SuccessRate: 0.9, FailureRate: 0.05, AvgCostUSD: 0.1}
	candidate := models.PolicyKPI{SuccessRate: 0.92, FailureRate: 0.04, AvgCostUSD: 0.11}
	require.False(t, m.ShouldRollback(active, candidate))
}

func TestRollbackRewritesStateAndWritesAudit(t *testing.T) {
	dir := t.TempDir()
	art, err := store.New(dir, zap.NewNop())
	require.NoError(t, err)
	auditW := audit.New(art)

	fs := &fakeStateStore{found: true, state: models.RolloutState{
		ActivePolicy: "policy_v1", CandidatePolicy: "policy_v2",
		Stage: models.StageCanary, TrafficSplit: map[string]float64{"policy_v2": 0.05},
	}}
	m := New(fs, auditW, zap.NewNop(), DefaultConfig())

	next, err := m.Rollback(context.Background(), "kpi_check_failed")
	require.NoError(t, err)
	require.Equal(t, models.StageRollback, next.Stage)
	require.Equal(t, 1.0, next.TrafficSplit["policy_v1"])
	require.Equal(t, models.StageCanary, next.RollbackFromStage)
	require.NotEmpty(t, next.RollbackAt)

	data, absent, err := art.Get("audit/log.jsonl")
	require.NoError(t, err)
	require.False(t, absent)
	require.Contains(t, string(data), "rollback")
}

func TestRollbackErrorsWhenNoStateExists(t *testing.T) {
	m := New(&fakeStateStore{found: false}, nil, zap.NewNop(), DefaultConfig())
	_, err := m.Rollback(context.Background(), "reason")
	require.Error(t, err)
}
