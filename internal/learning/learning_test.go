package learning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/audit"
	"github.com/kocoro-labs/policyloop/internal/gate"
	"github.com/kocoro-labs/policyloop/internal/models"
	"github.com/kocoro-labs/policyloop/internal/store"
)

type fakeSignals struct {
	signals []models.RunSignal
}

func (f *fakeSignals) Recent(n int) []models.RunSignal {
	if n <= 0 || n >= len(f.signals) {
		return f.signals
	}
	return f.signals[len(f.signals)-n:]
}

type fakeKPI struct {
	policies map[string]models.PolicyKPI
}

func (f *fakeKPI) GetPolicy(policyID string) (models.PolicyKPI, bool) {
	if f.policies == nil {
		return models.PolicyKPI{}, false
	}
	kpi, ok := f.policies[policyID]
	return kpi, ok
}

type fakeRollout struct {
	state      models.RolloutState
	found      bool
	tickState  models.RolloutState
	tickAction string
	tickErr    error
	startErr   error
	startCalls int
	startedWith [2]string
}

func (f *fakeRollout) Load(ctx context.Context) (models.RolloutState, bool, error) {
	return f.state, f.found, nil
}

func (f *fakeRollout) CheckAndMaybeAdvanceOrRollback(ctx context.Context) (models.RolloutState, string, error) {
	return f.tickState, f.tickAction, f.tickErr
}

func (f *fakeRollout) StartCanary(ctx context.Context, active, candidate string) (models.RolloutState, error) {
	f.startCalls++
	f.startedWith = [2]string{active, candidate}
	return models.RolloutState{}, f.startErr
}

func newTestController(t *testing.T, signals []models.RunSignal, kpi *fakeKPI, rc *fakeRollout, cfg Config) *Controller {
	t.Helper()
	dir := t.TempDir()
	art, err := store.New(dir, zap.NewNop())
	require.NoError(t, err)
	auditW := audit.New(art)
	gateEngine, err := gate.New(art, zap.NewNop())
	require.NoError(t, err)
	return New(art, auditW, zap.NewNop(), &fakeSignals{signals: signals}, kpi, rc, gateEngine, cfg)
}

func sig(success bool, plan string, cost, latency, evidence float64) models.RunSignal {
	return models.RunSignal{
		RunSuccess:        success,
		PlanPathType:      plan,
		TotalCostUSD:      cost,
		LatencyMs:         latency,
		EvidenceUsageRate: evidence,
	}
}

func TestTickInvokesRolloutTickWhenCanaryInProgress(t *testing.T) {
	rc := &fakeRollout{
		found:      true,
		state:      models.RolloutState{Stage: models.StageCanary},
		tickState:  models.RolloutState{Stage: models.StagePartial},
		tickAction: "advance",
	}
	c := newTestController(t, nil, &fakeKPI{}, rc, DefaultConfig())

	result, err := c.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, "rollout_tick", result.Action)
	require.Equal(t, "advance", result.RolloutAction)
}

func TestTickSkipsWhenNoTrigger(t *testing.T) {
	signals := make([]models.RunSignal, 10)
	for i := range signals {
		signals[i] = sig(true, "normal", 0.1, 100, 0.9)
	}
	rc := &fakeRollout{}
	c := newTestController(t, signals, &fakeKPI{}, rc, DefaultConfig())

	result, err := c.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, "skip", result.Action)
	require.Equal(t, "no_trigger", result.Reason)
	require.Zero(t, rc.startCalls)
}

func TestTickTrainsAndSkipsWhenCandidateSameAsActive(t *testing.T) {
	signals := make([]models.RunSignal, 20)
	for i := range signals {
		signals[i] = sig(i%5 != 0, "normal", 0.1, 100, 0.9)
	}
	cfg := Config{MinRuns: 1, MaxFailureRate: 0.01, MinRunsBetweenTraining: 100000, MaxTrainExamples: 1000, AggregateSampleSize: 100}
	rc := &fakeRollout{state: models.RolloutState{ActivePolicy: "v1"}}
	c := newTestController(t, signals, &fakeKPI{}, rc, cfg)

	meta := trainingMetadata{LastPolicyVersion: 0}
	require.NoError(t, c.saveTrainingMetadata(meta))

	result, err := c.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, "skip", result.Action)
	require.Equal(t, "candidate_same_as_active", result.Reason)
	require.Zero(t, rc.startCalls)
}

func TestTickTrainsAndStartsCanaryWhenGatePasses(t *testing.T) {
	signals := make([]models.RunSignal, 0, 60)
	for i := 0; i < 40; i++ {
		signals = append(signals, sig(i%3 != 0, "degraded", 0.5, 2000, 0.3))
	}
	for i := 0; i < 20; i++ {
		signals = append(signals, sig(true, "normal", 0.1, 100, 0.95))
	}
	cfg := Config{MinRuns: 1, MaxFailureRate: 0.01, MinRunsBetweenTraining: 1, MaxTrainExamples: 1000, AggregateSampleSize: 100}
	rc := &fakeRollout{state: models.RolloutState{ActivePolicy: "v0"}}
	c := newTestController(t, signals, &fakeKPI{}, rc, cfg)

	result, err := c.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, "trained", result.Action)
	require.True(t, result.GatePass)
	require.Equal(t, 1, rc.startCalls)
	require.Equal(t, "v0", rc.startedWith[0])
}

func TestTickRecordsBlockedWhenCandidateNoBetterThanActive(t *testing.T) {
	signals := make([]models.RunSignal, 30)
	for i := range signals {
		signals[i] = sig(i%10 != 0, "normal", 0.1, 100, 0.95)
	}
	kpi := &fakeKPI{policies: map[string]models.PolicyKPI{
		"v0": {SuccessRate: 0.99, AvgCostUSD: 0.05, P95LatencyMs: 50, EvidencePassRate: 0.99},
	}}
	cfg := Config{MinRuns: 1, MaxFailureRate: 0.01, MinRunsBetweenTraining: 1, MaxTrainExamples: 1000, AggregateSampleSize: 100}
	rc := &fakeRollout{state: models.RolloutState{ActivePolicy: "v0"}}
	c := newTestController(t, signals, kpi, rc, cfg)

	result, err := c.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, "blocked", result.Action)
	require.Zero(t, rc.startCalls)
}

func TestTrainPolicyPrefersHighestSuccessPlanWithEnoughSamples(t *testing.T) {
	examples := []models.RunSignal{
		sig(true, "normal", 0.1, 100, 0.9),
		sig(true, "normal", 0.1, 100, 0.9),
		sig(true, "normal", 0.1, 100, 0.9),
		sig(false, "degraded", 0.2, 200, 0.5),
		sig(false, "degraded", 0.2, 200, 0.5),
	}
	p := trainPolicy(examples, models.Policy{}, false, 1)
	require.Equal(t, "normal", p.PlanSelectionRules.PreferPlan)
	require.Equal(t, []string{"normal", "degraded", "minimal"}, p.PlanSelectionRules.FallbackOrder)
}

func TestTrainPolicyFallsBackToNormalWithoutEnoughSamples(t *testing.T) {
	examples := []models.RunSignal{
		sig(true, "exotic", 0.1, 100, 0.9),
	}
	p := trainPolicy(examples, models.Policy{}, false, 1)
	require.Equal(t, "normal", p.PlanSelectionRules.PreferPlan)
}

func TestTrainPolicyBlendsThresholdsWithBasePolicy(t *testing.T) {
	examples := make([]models.RunSignal, 20)
	for i := range examples {
		examples[i] = sig(true, "normal", 1.0, 1000, 0.9)
	}
	base := models.Policy{Thresholds: models.Thresholds{MaxCostUSD: 100, MaxLatencyMs: 100000, FailureRateTolerance: 0.9}}
	p := trainPolicy(examples, base, true, 2)
	require.Less(t, p.Thresholds.MaxCostUSD, 100.0)
	require.Greater(t, p.Thresholds.MaxCostUSD, 0.0)
}

func TestLatestPolicyIDReflectsTrainedVersion(t *testing.T) {
	rc := &fakeRollout{}
	c := newTestController(t, nil, &fakeKPI{}, rc, DefaultConfig())

	_, ok, err := c.LatestPolicyID(context.Background())
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.persistPolicy(models.Policy{PolicyVersion: 3}))
	require.NoError(t, c.saveTrainingMetadata(trainingMetadata{LastPolicyVersion: 3}))

	id, ok, err := c.LatestPolicyID(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v3", id)
}
