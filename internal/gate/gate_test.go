package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	art, err := store.New(dir, zap.NewNop())
	require.NoError(t, err)
	e, err := New(art, zap.NewNop())
	require.NoError(t, err)
	return e
}

func TestEvaluatePassesWhenCandidateStrictlyBetter(t *testing.T) {
	e := newTestEngine(t)
	report := ShadowEvalReport{
		Active:    PolicyMetrics{SuccessRate: 0.8, AvgCostUSD: 0.10, P95LatencyMs: 1000, EvidencePassRate: 0.9},
		Candidate: PolicyMetrics{SuccessRate: 0.85, AvgCostUSD: 0.10, P95LatencyMs: 1000, EvidencePassRate: 0.9},
	}
	decision, err := e.Evaluate(context.Background(), report, DefaultThresholds())
	require.NoError(t, err)
	require.True(t, decision.GatePass)
	require.Empty(t, decision.BlockedReasons)
	require.Len(t, decision.Checks, 4)
}

func TestEvaluateBlocksOnCostIncrease(t *testing.T) {
	e := newTestEngine(t)
	report := ShadowEvalReport{
		Active:    PolicyMetrics{SuccessRate: 0.8, AvgCostUSD: 0.10, P95LatencyMs: 1000, EvidencePassRate: 0.9},
		Candidate: PolicyMetrics{SuccessRate: 0.85, AvgCostUSD: 0.50, P95LatencyMs: 1000, EvidencePassRate: 0.9},
	}
	decision, err := e.Evaluate(context.Background(), report, DefaultThresholds())
	require.NoError(t, err)
	require.False(t, decision.GatePass)
	require.Contains(t, decision.BlockedReasons, "cost")
}

func TestEvaluateBlocksOnSuccessRegression(t *testing.T) {
	e := newTestEngine(t)
	report := ShadowEvalReport{
		Active:    PolicyMetrics{SuccessRate: 0.8, AvgCostUSD: 0.10, P95LatencyMs: 1000, EvidencePassRate: 0.9},
		Candidate: PolicyMetrics{SuccessRate: 0.5, AvgCostUSD: 0.10, P95LatencyMs: 1000, EvidencePassRate: 0.9},
	}
	decision, err := e.Evaluate(context.Background(), report, DefaultThresholds())
	require.NoError(t, err)
	require.False(t, decision.GatePass)
	require.Contains(t, decision.BlockedReasons, "success")
}

func TestEvaluateZeroDenominatorTreatsNonPositiveNumeratorAsZero(t *testing.T) {
	e := newTestEngine(t)
	report := ShadowEvalReport{
		Active:    PolicyMetrics{SuccessRate: 0.8, AvgCostUSD: 0, P95LatencyMs: 1000, EvidencePassRate: 0.9},
		Candidate: PolicyMetrics{SuccessRate: 0.8, AvgCostUSD: 0, P95LatencyMs: 1000, EvidencePassRate: 0.9},
	}
	decision, err := e.Evaluate(context.Background(), report, DefaultThresholds())
	require.NoError(t, err)
	for _, c := range decision.Checks {
		if c.Name == "cost" {
			require.Equal(t, 0.0, c.Value)
			require.True(t, c.Pass)
		}
	}
}

func TestEvaluateZeroDenominatorTreatsPositiveNumeratorAsOne(t *testing.T) {
	e := newTestEngine(t)
	report := ShadowEvalReport{
		Active:    PolicyMetrics{SuccessRate: 0.8, AvgCostUSD: 0, P95LatencyMs: 1000, EvidencePassRate: 0.9},
		Candidate: PolicyMetrics{SuccessRate: 0.8, AvgCostUSD: 0.2, P95LatencyMs: 1000, EvidencePassRate: 0.9},
	}
	decision, err := e.Evaluate(context.Background(), report, DefaultThresholds())
	require.NoError(t, err)
	for _, c := range decision.Checks {
		if c.Name == "cost" {
			require.Equal(t, 1.0, c.Value)
			require.False(t, c.Pass)
		}
	}
}

func TestEvaluatePersistsDecisionUnderInputsHash(t *testing.T) {
	dir := t.TempDir()
	art, err := store.New(dir, zap.NewNop())
	require.NoError(t, err)
	e, err := New(art, zap.NewNop())
	require.NoError(t, err)

	report := ShadowEvalReport{
		Active:    PolicyMetrics{SuccessRate: 0.8},
		Candidate: PolicyMetrics{SuccessRate: 0.8},
	}
	decision, err := e.Evaluate(context.Background(), report, DefaultThresholds())
	require.NoError(t, err)
	require.True(t, art.Exists(gateKey(decision.InputsHash)))
}
