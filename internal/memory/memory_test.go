package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/store"
)

func newTestMemory(t *testing.T, opts ...Option) *Memory {
	t.Helper()
	dir := t.TempDir()
	art, err := store.New(dir, zap.NewNop())
	require.NoError(t, err)
	return New(art, zap.NewNop(), opts...)
}

func TestRecordCreatesEntry(t *testing.T) {
	m := newTestMemory(t)
	require.NoError(t, m.Record("sig-a", true, 0.1, 100))

	e, ok := m.Get("sig-a")
	require.True(t, ok)
	require.Equal(t, int64(1), e.SuccessCount)
	require.Equal(t, int64(0), e.FailureCount)
	require.Equal(t, 1.0, e.DecayWeight)
	require.InDelta(t, 0.1, e.AvgCost, 1e-9)
	require.InDelta(t, 100, e.AvgLatencyMs, 1e-9)
}

func TestRecordUpdatesMovingAverage(t *testing.T) {
	m := newTestMemory(t)
	require.NoError(t, m.Record("sig-a", true, 0.0, 0))
	require.NoError(t, m.Record("sig-a", true, 0.2, 200))

	e, ok := m.Get("sig-a")
	require.True(t, ok)
	require.InDelta(t, 0.1, e.AvgCost, 1e-9)
	require.InDelta(t, 100, e.AvgLatencyMs, 1e-9)
	require.Equal(t, int64(2), e.N)
}

func TestRecordResetsDecayWeight(t *testing.T) {
	m := newTestMemory(t)
	require.NoError(t, m.Record("sig-a", true, 0, 0))
	require.NoError(t, m.Decay(0))
	e, _ := m.Get("sig-a")
	require.InDelta(t, DefaultDecayFactor, e.DecayWeight, 1e-9)

	require.NoError(t, m.Record("sig-a", true, 0, 0))
	e, _ = m.Get("sig-a")
	require.Equal(t, 1.0, e.DecayWeight)
}

func TestDecayEvictsBelowThreshold(t *testing.T) {
	m := newTestMemory(t, WithDecayFactor(0.5))
	require.NoError(t, m.Record("sig-a", true, 0, 0))

	require.NoError(t, m.Decay(0.4)) // weight -> 0.5, survives
	require.Equal(t, 1, m.Len())

	require.NoError(t, m.Decay(0.4)) // weight -> 0.25, evicted
	require.Equal(t, 0, m.Len())
}

func TestTopKSuccessOrdersByWeightedSuccessRate(t *testing.T) {
	m := newTestMemory(t)
	require.NoError(t, m.Record("low", true, 0, 0))
	require.NoError(t, m.Record("low", false, 0, 0))
	require.NoError(t, m.Record("low", false, 0, 0))

	require.NoError(t, m.Record("high", true, 0, 0))
	require.NoError(t, m.Record("high", true, 0, 0))

	top := m.TopKSuccess(1)
	require.Len(t, top, 1)
	require.Equal(t, "high", top[0].Signature)
}

func TestMaxPatternsEvictsLowestWeightBeforeInsert(t *testing.T) {
	m := newTestMemory(t, WithMaxPatterns(2), WithDecayFactor(0.5))
	require.NoError(t, m.Record("a", true, 0, 0))
	require.NoError(t, m.Decay(0)) // a's weight -> 0.5
	require.NoError(t, m.Record("b", true, 0, 0))
	require.Equal(t, 2, m.Len())

	// c is a new pattern and the table is at capacity: lowest-weight (a) is
	// evicted before c is inserted.
	require.NoError(t, m.Record("c", true, 0, 0))
	require.Equal(t, 2, m.Len())
	_, hasA := m.Get("a")
	require.False(t, hasA)
	_, hasB := m.Get("b")
	require.True(t, hasB)
	_, hasC := m.Get("c")
	require.True(t, hasC)
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	art, err := store.New(dir, zap.NewNop())
	require.NoError(t, err)

	m1 := New(art, zap.NewNop())
	require.NoError(t, m1.Record("sig-a", true, 0.3, 150))

	m2 := New(art, zap.NewNop())
	e, ok := m2.Get("sig-a")
	require.True(t, ok)
	require.InDelta(t, 0.3, e.AvgCost, 1e-9)
}
