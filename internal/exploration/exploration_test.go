package exploration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/models"
	"github.com/kocoro-labs/policyloop/internal/replay"
	"github.com/kocoro-labs/policyloop/internal/shadow"
	"github.com/kocoro-labs/policyloop/internal/store"
)

type fakeKPI struct {
	policies map[string]models.PolicyKPI
}

func (f *fakeKPI) GetPolicy(policyID string) (models.PolicyKPI, bool) {
	kpi, ok := f.policies[policyID]
	return kpi, ok
}

type fakeBudget struct {
	allow   bool
	spends  int
	snapErr error
}

func (f *fakeBudget) CanSpend(ctx context.Context, failures int, costUSD, latencyMs float64) (bool, error) {
	return f.allow, nil
}
func (f *fakeBudget) Spend(ctx context.Context, failures int, costUSD, latencyMs float64) error {
	f.spends++
	return nil
}
func (f *fakeBudget) Snapshot(ctx context.Context) (models.FailureBudgetState, error) {
	return models.FailureBudgetState{}, f.snapErr
}

func newTestEngine(t *testing.T, kpi KPISource, budget Budget) *Engine {
	t.Helper()
	dir := t.TempDir()
	art, err := store.New(dir, zap.NewNop())
	require.NoError(t, err)

	shadowX := shadow.New(art, zap.NewNop())
	replayE := replay.New(art, zap.NewNop())
	cfg := DefaultConfig()
	cfg.Pool = CandidatePool{
		RetrievalPolicyIDs: []string{"retrieval_a", "retrieval_b"},
		PromptTemplateIDs:  []string{"prompt_a", "prompt_b"},
		ToolChainIDs:       []string{"tools_a", "tools_b"},
	}
	return New(art, zap.NewNop(), kpi, budget, shadowX, replayE, cfg)
}

func TestOnRunCompletedDoesNotExploreOnHealthyPolicy(t *testing.T) {
	kpi := &fakeKPI{policies: map[string]models.PolicyKPI{
		"policy-1": {PolicyID: "policy-1", SuccessRate: 0.95},
	}}
	budget := &fakeBudget{allow: true}
	e := newTestEngine(t, kpi, budget)

	sig := models.RunSignal{RunID: "run-1", PolicyID: "policy-1", RunSuccess: true, PatternIsNew: false}
	decision, err := e.OnRunCompleted(context.Background(), sig, nil)
	require.NoError(t, err)
	require.False(t, decision.Explore)
	require.Empty(t, decision.CandidateIDs)
	require.Equal(t, 0, budget.spends)
}

func TestOnRunCompletedExploresOnLowSuccessRate(t *testing.T) {
	kpi := &fakeKPI{policies: map[string]models.PolicyKPI{
		"policy-1": {PolicyID: "policy-1", SuccessRate: 0.5},
	}}
	budget := &fakeBudget{allow: true}
	e := newTestEngine(t, kpi, budget)

	sig := models.RunSignal{RunID: "run-2", PolicyID: "policy-1", RunSuccess: true}
	decision, err := e.OnRunCompleted(context.Background(), sig, nil)
	require.NoError(t, err)
	require.True(t, decision.Explore)
	require.Contains(t, decision.Trigger.ReasonCodes, "low_success_rate")
	require.NotEmpty(t, decision.CandidateIDs)
	require.Equal(t, 1, budget.spends)
}

func TestOnRunCompletedExploresOnNewPatternFailure(t *testing.T) {
	kpi := &fakeKPI{policies: map[string]models.PolicyKPI{}}
	budget := &fakeBudget{allow: true}
	e := newTestEngine(t, kpi, budget)

	sig := models.RunSignal{RunID: "run-3", PolicyID: "policy-2", RunSuccess: false, PatternIsNew: true}
	decision, err := e.OnRunCompleted(context.Background(), sig, nil)
	require.NoError(t, err)
	require.True(t, decision.Explore)
	require.Contains(t, decision.Trigger.ReasonCodes, "new_pattern_failure")
}

func TestOnRunCompletedSkipsSpawnWhenBudgetExhausted(t *testing.T) {
	kpi := &fakeKPI{policies: map[string]models.PolicyKPI{
		"policy-1": {PolicyID: "policy-1", SuccessRate: 0.1},
	}}
	budget := &fakeBudget{allow: false}
	e := newTestEngine(t, kpi, budget)

	sig := models.RunSignal{RunID: "run-4", PolicyID: "policy-1", RunSuccess: true}
	decision, err := e.OnRunCompleted(context.Background(), sig, nil)
	require.NoError(t, err)
	require.False(t, decision.Explore)
	require.Empty(t, decision.CandidateIDs)
	require.Equal(t, 0, budget.spends)
	require.Contains(t, decision.Trigger.ReasonCodes, "budget_exhausted")
}

func TestTargetSpaceNarrowsByAttributionCause(t *testing.T) {
	kpi := &fakeKPI{policies: map[string]models.PolicyKPI{
		"policy-1": {PolicyID: "policy-1", SuccessRate: 0.1},
	}}
	budget := &fakeBudget{allow: true}
	e := newTestEngine(t, kpi, budget)

	sig := models.RunSignal{RunID: "run-5", PolicyID: "policy-1", RunSuccess: false}
	attr := &models.Attribution{Failure: true, PrimaryCause: models.CauseRetrievalMiss}
	decision, err := e.OnRunCompleted(context.Background(), sig, attr)
	require.NoError(t, err)
	require.Equal(t, []string{"retrieval"}, decision.TargetSpace)
}

func TestGenerateCandidatesIsDeterministicPerRunID(t *testing.T) {
	kpi := &fakeKPI{policies: map[string]models.PolicyKPI{}}
	budget := &fakeBudget{allow: true}
	e := newTestEngine(t, kpi, budget)

	sig := models.RunSignal{RunID: "run-deterministic", PolicyID: "p1"}
	first := e.generateCandidates(sig, []string{"retrieval", "prompt", "tool_combo"}, 1)
	second := e.generateCandidates(sig, []string{"retrieval", "prompt", "tool_combo"}, 1)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	require.Equal(t, first[0].Genome.RetrievalPolicyID, second[0].Genome.RetrievalPolicyID)
	require.Equal(t, first[0].Genome.TopK, second[0].Genome.TopK)
}

func TestOnRunCompletedPersistsDecisionAndCandidate(t *testing.T) {
	kpi := &fakeKPI{policies: map[string]models.PolicyKPI{
		"policy-1": {PolicyID: "policy-1", SuccessRate: 0.2},
	}}
	budget := &fakeBudget{allow: true}
	e := newTestEngine(t, kpi, budget)

	sig := models.RunSignal{RunID: "run-persist", PolicyID: "policy-1", RunSuccess: true}
	decision, err := e.OnRunCompleted(context.Background(), sig, nil)
	require.NoError(t, err)
	require.True(t, decision.Explore)
	require.Len(t, decision.CandidateIDs, 1)

	data, absent, err := e.artifacts.Get(decisionKey("run-persist"))
	require.NoError(t, err)
	require.False(t, absent)
	require.NotEmpty(t, data)

	require.True(t, e.artifacts.Exists(candidateKey(decision.CandidateIDs[0])))
	require.True(t, e.artifacts.Exists(rewardKey("run-persist")))
}

func TestRewardHistoryTracksTrend(t *testing.T) {
	h := NewRewardHistory(10)
	require.Equal(t, 0.0, h.Trend())

	h.Add(models.RewardRecord{RewardTotal: 0.1})
	h.Add(models.RewardRecord{RewardTotal: 0.2})
	h.Add(models.RewardRecord{RewardTotal: 0.8})
	h.Add(models.RewardRecord{RewardTotal: 0.9})

	require.True(t, h.Trend() > 0)
	require.Len(t, h.Recent(2), 2)
}

func TestRewardHistoryEvictsOldestBeyondCapacity(t *testing.T) {
	h := NewRewardHistory(2)
	h.Add(models.RewardRecord{RunID: "a"})
	h.Add(models.RewardRecord{RunID: "b"})
	h.Add(models.RewardRecord{RunID: "c"})

	recent := h.Recent(10)
	require.Len(t, recent, 2)
	require.Equal(t, "b", recent[0].RunID)
	require.Equal(t, "c", recent[1].RunID)
}
