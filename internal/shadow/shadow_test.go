package shadow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kocoro-labs/policyloop/internal/store"
)

func newTestExecutor(t *testing.T) (*Executor, *observer.ObservedLogs) {
	t.Helper()
	dir := t.TempDir()
	art, err := store.New(dir, zap.NewNop())
	require.NoError(t, err)

	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core)
	return New(art, logger), logs
}

func activeRunnerFixed(decision string, outcome RunOutcome) Runner {
	return func(ctx context.Context, payload interface{}) (RunOutcome, error) {
		outcome.Decision = decision
		return outcome, nil
	}
}

func TestRunShadowComputesDiffs(t *testing.T) {
	e, _ := newTestExecutor(t)

	active := activeRunnerFixed("plan_a", RunOutcome{Success: true, CostUSD: 0.1, LatencyMs: 100})
	candidate := activeRunnerFixed("plan_b", RunOutcome{Success: false, CostUSD: 0.3, LatencyMs: 400})

	result, err := e.RunShadow(context.Background(), "run-1", map[string]string{"x": "y"}, active, candidate)
	require.NoError(t, err)

	require.True(t, result.DecisionDivergence)
	require.InDelta(t, 0.2, result.CostDelta, 1e-9)
	require.InDelta(t, 300, result.LatencyDelta, 1e-9)
	require.InDelta(t, -1.0, result.SuccessDelta, 1e-9)
	require.Equal(t, "plan_a", result.ActiveDecision)
	require.Equal(t, "plan_b", result.CandidateDecision)
}

func TestRunShadowPersistsUnderShadowNamespace(t *testing.T) {
	e, _ := newTestExecutor(t)

	runner := activeRunnerFixed("same", RunOutcome{Success: true})
	_, err := e.RunShadow(context.Background(), "run-2", nil, runner, runner)
	require.NoError(t, err)

	loaded, ok, err := e.Load("run-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "run-2", loaded.RunID)
}

func TestRunShadowWarnsOnIdenticalRunners(t *testing.T) {
	e, logs := newTestExecutor(t)

	runner := activeRunnerFixed("x", RunOutcome{Success: true})
	_, err := e.RunShadow(context.Background(), "run-3", nil, runner, runner)
	require.NoError(t, err)

	found := false
	for _, entry := range logs.All() {
		if entry.Message == "shadow_runners_identical" {
			found = true
		}
	}
	require.True(t, found, "expected shadow_runners_identical warning for pointer-equal runners")
}

func TestRunShadowNoWarningForDistinctRunners(t *testing.T) {
	e, logs := newTestExecutor(t)

	a := activeRunnerFixed("a", RunOutcome{Success: true})
	b := activeRunnerFixed("b", RunOutcome{Success: false})
	_, err := e.RunShadow(context.Background(), "run-4", nil, a, b)
	require.NoError(t, err)

	for _, entry := range logs.All() {
		require.NotEqual(t, "shadow_runners_identical", entry.Message)
	}
}

func TestLoadAbsentReturnsFalse(t *testing.T) {
	e, _ := newTestExecutor(t)
	_, ok, err := e.Load("never-ran")
	require.NoError(t, err)
	require.False(t, ok)
}
