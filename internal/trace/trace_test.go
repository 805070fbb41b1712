package trace

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/models"
	"github.com/kocoro-labs/policyloop/internal/store"
)

func newTestTraceStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	art, err := store.New(dir, zap.NewNop())
	require.NoError(t, err)
	tr, err := New(art, filepath.Join(dir, "index.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestSummaryRoundTrip(t *testing.T) {
	tr := newTestTraceStore(t)
	sum := TraceSummary{RunID: "run-1", PolicyID: "v1", FinalState: models.StateCompleted, TotalCostUSD: 0.5}
	require.NoError(t, tr.SaveSummary(sum))

	got, absent, err := tr.LoadSummary("run-1")
	require.NoError(t, err)
	require.False(t, absent)
	require.Equal(t, "run-1", got.RunID)
	require.Equal(t, models.StateCompleted, got.FinalState)
}

func TestSummaryAbsent(t *testing.T) {
	tr := newTestTraceStore(t)
	_, absent, err := tr.LoadSummary("nope")
	require.NoError(t, err)
	require.True(t, absent)
}

func TestEventsAreMonotoneAndCursorable(t *testing.T) {
	tr := newTestTraceStore(t)

	for i := 0; i < 5; i++ {
		_, err := tr.AppendEvent("run-1", models.Event{Type: models.EventToolCall})
		require.NoError(t, err)
	}

	events, cursor, err := tr.LoadEvents("run-1", 0, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, uint64(1), events[0].EventID)
	require.Equal(t, uint64(2), events[1].EventID)
	require.Equal(t, uint64(2), cursor)

	rest, cursor2, err := tr.LoadEvents("run-1", cursor, 0)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	require.Equal(t, uint64(5), cursor2)
}

func TestEventCursorSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	art, err := store.New(dir, zap.NewNop())
	require.NoError(t, err)

	tr1, err := New(art, "", zap.NewNop())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := tr1.AppendEvent("run-1", models.Event{Type: models.EventStateChange})
		require.NoError(t, err)
	}

	// Simulate a fresh process: new Store instance, same artifact root.
	tr2, err := New(art, "", zap.NewNop())
	require.NoError(t, err)
	ev, err := tr2.AppendEvent("run-1", models.Event{Type: models.EventStateChange})
	require.NoError(t, err)
	require.Equal(t, uint64(4), ev.EventID)
}

func TestBlobRoundTrip(t *testing.T) {
	tr := newTestTraceStore(t)
	_, err := tr.SaveBlob("run-1", "evidence", []byte(`{"big":"payload"}`))
	require.NoError(t, err)
	data, absent, err := tr.LoadBlob("run-1", "evidence")
	require.NoError(t, err)
	require.False(t, absent)
	require.JSONEq(t, `{"big":"payload"}`, string(data))
}

func TestIndexRunAndQuery(t *testing.T) {
	tr := newTestTraceStore(t)
	require.NoError(t, tr.IndexRun("run-1", "2026-07", models.StateFailed, "TIMEOUT", "low"))
	require.NoError(t, tr.IndexRun("run-2", "2026-07", models.StateCompleted, "", "low"))

	ids, err := tr.QueryIndex("2026-07", "FAILED", "", "")
	require.NoError(t, err)
	require.Equal(t, []string{"run-1"}, ids)
}
