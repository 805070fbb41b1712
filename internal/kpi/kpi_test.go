package kpi

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/models"
	"github.com/kocoro-labs/policyloop/internal/store"
)

func newTestAggregator(t *testing.T, opts ...Option) *Aggregator {
	t.Helper()
	dir := t.TempDir()
	art, err := store.New(dir, zap.NewNop())
	require.NoError(t, err)
	return New(art, zap.NewNop(), opts...)
}

func TestRecordUpdatesAllTouchedKeyspaces(t *testing.T) {
	a := newTestAggregator(t)
	require.NoError(t, a.Record(RecordInput{
		RetrievalPolicyID:     "r1",
		PromptTemplateID:      "p1",
		ToolSequenceSignature: "t1",
		PolicyID:              "v1",
		Success:               true,
		CostUSD:               0.1,
		LatencyMs:             100,
		EvidenceUsageRate:     0.9,
	}))

	for _, key := range []string{retrievalKey("r1"), promptKey("p1"), toolsKey("t1"), policyKey("v1")} {
		kpi, ok := a.Get(key)
		require.True(t, ok, key)
		require.Equal(t, int64(1), kpi.TotalRuns)
		require.Equal(t, 1.0, kpi.SuccessRate)
	}
}

func TestSuccessRateIsRunningAverage(t *testing.T) {
	a := newTestAggregator(t)
	require.NoError(t, a.Record(RecordInput{PolicyID: "v1", Success: true}))
	require.NoError(t, a.Record(RecordInput{PolicyID: "v1", Success: false}))
	require.NoError(t, a.Record(RecordInput{PolicyID: "v1", Success: true}))

	kpi, ok := a.GetPolicy("v1")
	require.True(t, ok)
	require.InDelta(t, 2.0/3.0, kpi.SuccessRate, 1e-9)
	require.InDelta(t, 1.0/3.0, kpi.FailureRate, 1e-9)
}

func TestEvidencePassRate(t *testing.T) {
	a := newTestAggregator(t, WithEvidencePassThreshold(0.5))
	require.NoError(t, a.Record(RecordInput{PolicyID: "v1", Success: true, EvidenceUsageRate: 0.9}))
	require.NoError(t, a.Record(RecordInput{PolicyID: "v1", Success: true, EvidenceUsageRate: 0.1}))

	kpi, _ := a.GetPolicy("v1")
	require.InDelta(t, 0.5, kpi.EvidencePassRate, 1e-9)
}

func TestCauseDistributionTracksFailures(t *testing.T) {
	a := newTestAggregator(t)
	require.NoError(t, a.Record(RecordInput{PolicyID: "v1", Success: false, PrimaryCause: models.CauseRetrievalMiss}))
	require.NoError(t, a.Record(RecordInput{PolicyID: "v1", Success: false, PrimaryCause: models.CauseRetrievalMiss}))
	require.NoError(t, a.Record(RecordInput{PolicyID: "v1", Success: false, PrimaryCause: models.CauseToolTimeout}))

	kpi, _ := a.GetPolicy("v1")
	require.InDelta(t, 2.0/3.0, kpi.CauseDistribution["RETRIEVAL_MISS"], 1e-9)
	require.InDelta(t, 1.0/3.0, kpi.CauseDistribution["TOOL_TIMEOUT"], 1e-9)
}

func TestRegressionFlagsFireAfterBaselineLocks(t *testing.T) {
	a := newTestAggregator(t, WithBaselineSampleSize(2))
	require.NoError(t, a.Record(RecordInput{PolicyID: "v1", Success: true, CostUSD: 0.1, LatencyMs: 100}))
	require.NoError(t, a.Record(RecordInput{PolicyID: "v1", Success: true, CostUSD: 0.1, LatencyMs: 100}))

	kpi, _ := a.GetPolicy("v1")
	require.Empty(t, kpi.RegressionFlags)

	// Drive success down and cost/latency up sharply past baseline.
	for i := 0; i < 5; i++ {
		require.NoError(t, a.Record(RecordInput{PolicyID: "v1", Success: false, CostUSD: 1.0, LatencyMs: 1000}))
	}

	kpi, _ = a.GetPolicy("v1")
	require.Contains(t, kpi.RegressionFlags, "success_regression")
	require.Contains(t, kpi.RegressionFlags, "latency_regression")
	require.Contains(t, kpi.RegressionFlags, "cost_regression")
}

func TestHistoricalStatsAdapters(t *testing.T) {
	a := newTestAggregator(t)
	require.NoError(t, a.Record(RecordInput{RetrievalPolicyID: "r1", PromptTemplateID: "p1", Success: false}))

	rate, known := a.RetrievalSuccessRate("r1")
	require.True(t, known)
	require.Equal(t, 0.0, rate)

	_, known = a.RetrievalSuccessRate("unseen")
	require.False(t, known)

	rate, known = a.PromptSuccessRate("p1")
	require.True(t, known)
	require.Equal(t, 0.0, rate)
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	art, err := store.New(dir, zap.NewNop())
	require.NoError(t, err)

	a1 := New(art, zap.NewNop())
	require.NoError(t, a1.Record(RecordInput{PolicyID: "v1", Success: true, CostUSD: 0.2, LatencyMs: 300}))

	a2 := New(art, zap.NewNop())
	kpi, ok := a2.GetPolicy("v1")
	require.True(t, ok)
	require.Equal(t, int64(1), kpi.TotalRuns)
	require.InDelta(t, 0.2, kpi.AvgCostUSD, 1e-9)
}
