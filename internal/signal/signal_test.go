package signal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/models"
	"github.com/kocoro-labs/policyloop/internal/store"
)

func sampleRecord() models.RunRecord {
	return models.RunRecord{
		RunID:      "run-1",
		PolicyID:   "v1",
		FinalState: models.StateCompleted,
		Success:    true,
		ToolCalls: []models.ToolCallSignal{
			{ToolName: "search", Success: true},
			{ToolName: "fetch", Success: true},
		},
		Retrieval: models.RetrievalSignal{PolicyID: "r1", NumDocs: 4},
		Evidence:  models.EvidencePackSignal{UsedCount: 3, ConflictCount: 0, TotalCount: 4},
		Prompt:    models.PromptSignal{TemplateID: "p1", Tokens: 500, LatencyMs: 800, CostUSD: 0.02},
		CostSummary: models.CostSummary{TotalUSD: 0.05},
		LatencyMs:   1200,
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	rec := sampleRecord()
	s1 := Build(rec, nil)
	s2 := Build(rec, nil)
	s1.GeneratedAt = ""
	s2.GeneratedAt = ""
	require.Equal(t, s1, s2)
}

func TestBuildComputesRates(t *testing.T) {
	rec := sampleRecord()
	sig := Build(rec, nil)
	require.Equal(t, 1.0, sig.ToolSuccessRate)
	require.InDelta(t, 0.75, sig.EvidenceUsageRate, 1e-9)
	require.Equal(t, "run-1", sig.RunID)
}

func TestOnRunCompletedPersistsAndDispatches(t *testing.T) {
	dir := t.TempDir()
	art, err := store.New(dir, zap.NewNop())
	require.NoError(t, err)
	c := New(art, zap.NewNop())

	var mu sync.Mutex
	var seenIDs []string
	c.RegisterHook(func(sig models.RunSignal, seenBefore bool) {
		mu.Lock()
		defer mu.Unlock()
		seenIDs = append(seenIDs, sig.RunID)
	})

	_, err = c.OnRunCompleted(sampleRecord(), nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"run-1"}, seenIDs)

	recent := c.Recent(0)
	require.Len(t, recent, 1)
}

func TestOnRunCompletedSwallowsHookPanics(t *testing.T) {
	dir := t.TempDir()
	art, err := store.New(dir, zap.NewNop())
	require.NoError(t, err)
	c := New(art, zap.NewNop())

	c.RegisterHook(func(models.RunSignal, bool) { panic("boom") })

	var called bool
	c.RegisterHook(func(models.RunSignal, bool) { called = true })

	_, err = c.OnRunCompleted(sampleRecord(), nil)
	require.NoError(t, err)
	require.True(t, called, "hooks after a panicking hook must still run")
}

func TestPatternIsNewOnlyOnFirstObservation(t *testing.T) {
	dir := t.TempDir()
	art, err := store.New(dir, zap.NewNop())
	require.NoError(t, err)
	c := New(art, zap.NewNop())

	var flags []bool
	c.RegisterHook(func(sig models.RunSignal, seenBefore bool) {
		flags = append(flags, sig.PatternIsNew)
	})

	rec := sampleRecord()
	_, err = c.OnRunCompleted(rec, nil)
	require.NoError(t, err)
	_, err = c.OnRunCompleted(rec, nil)
	require.NoError(t, err)

	require.Equal(t, []bool{true, false}, flags)
}

func TestRollingSignalsAreBounded(t *testing.T) {
	dir := t.TempDir()
	art, err := store.New(dir, zap.NewNop())
	require.NoError(t, err)
	c := New(art, zap.NewNop())
	c.rolling = make([]models.RunSignal, MaxRollingSignals)
	c.rollingLoad.Do(func() {}) // mark loaded so appendRolling doesn't overwrite seed

	rec := sampleRecord()
	rec.RunID = "run-extra"
	_, err = c.OnRunCompleted(rec, nil)
	require.NoError(t, err)

	require.Len(t, c.rolling, MaxRollingSignals)
	require.Equal(t, "run-extra", c.rolling[len(c.rolling)-1].RunID)
}
