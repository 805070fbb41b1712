package budget

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/circuitbreaker"
	"github.com/kocoro-labs/policyloop/internal/store"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	wrapper := circuitbreaker.NewRedisWrapper(client, zap.NewNop())

	dir := t.TempDir()
	art, err := store.New(dir, zap.NewNop())
	require.NoError(t, err)

	return New(wrapper, art, zap.NewNop(), cfg), s
}

func testConfig() Config {
	return Config{MaxFailures: 5, MaxCostUSD: 1.0, MaxLatencyMs: 1000, Window: time.Hour}
}

func TestCanSpendAllowsWithinBudget(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	ok, err := m.CanSpend(ctx, 2, 0.4, 300)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCanSpendDeniesOverAnyDimension(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	ok, err := m.CanSpend(ctx, 6, 0, 0)
	require.NoError(t, err)
	require.False(t, ok, "over failure cap")

	ok, err = m.CanSpend(ctx, 0, 1.5, 0)
	require.NoError(t, err)
	require.False(t, ok, "over cost cap")

	ok, err = m.CanSpend(ctx, 0, 0, 5000)
	require.NoError(t, err)
	require.False(t, ok, "over latency cap")
}

func TestSpendDecrementsRemainingAndTracksSpent(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	require.NoError(t, m.Spend(ctx, 1, 0.2, 100))

	state, err := m.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, state.RemainingFailures)
	require.InDelta(t, 0.8, state.RemainingCostUSD, 1e-9)
	require.InDelta(t, 900, state.RemainingLatencyMs, 1e-9)
	require.Equal(t, 1, state.SpentFailures)
	require.InDelta(t, 0.2, state.SpentCostUSD, 1e-9)
	require.InDelta(t, 100, state.SpentLatencyMs, 1e-9)
	require.False(t, state.HardStop)
}

func TestSpendOverBudgetLatchesHardStop(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	err := m.Spend(ctx, 10, 0, 0)
	require.ErrorIs(t, err, ErrBudgetExhausted)

	state, err := m.Snapshot(ctx)
	require.NoError(t, err)
	require.True(t, state.HardStop)
	require.Equal(t, ReasonBudgetExhausted, state.LastStopReason)
}

func TestHardStopBlocksFurtherSpendRegardlessOfRoom(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	require.ErrorIs(t, m.Spend(ctx, 10, 0, 0), ErrBudgetExhausted)

	ok, err := m.CanSpend(ctx, 0, 0.01, 0)
	require.NoError(t, err)
	require.False(t, ok, "hard_stop must block even a trivially cheap spend")
}

func TestResetRestoresInitialBudgetAndClearsHardStop(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	require.ErrorIs(t, m.Spend(ctx, 10, 0, 0), ErrBudgetExhausted)
	require.NoError(t, m.Reset(ctx))

	state, err := m.Snapshot(ctx)
	require.NoError(t, err)
	require.False(t, state.HardStop)
	require.Equal(t, 5, state.RemainingFailures)
	require.InDelta(t, 1.0, state.RemainingCostUSD, 1e-9)
	require.Equal(t, 0, state.SpentFailures)
}

func TestTripExternalLatchesNamedReason(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	require.NoError(t, m.TripExternal(ctx, "redis_circuit_open"))

	ok, err := m.CanSpend(ctx, 0, 0, 0)
	require.NoError(t, err)
	require.False(t, ok)

	state, err := m.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "redis_circuit_open", state.LastStopReason)
}

func TestWindowExpiryReinitializesFreshAllotment(t *testing.T) {
	cfg := testConfig()
	cfg.Window = 50 * time.Millisecond
	m, mr := newTestManager(t, cfg)
	ctx := context.Background()

	require.NoError(t, m.Spend(ctx, 3, 0, 0))
	mr.FastForward(100 * time.Millisecond)

	state, err := m.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, state.RemainingFailures, "window elapsed, budget should have rolled over")
	require.Equal(t, 0, state.SpentFailures)
}
