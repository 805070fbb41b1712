package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOverallHealthExplorationPausedFollowsFailureBudget(t *testing.T) {
	m := NewManager(zap.NewNop())

	require.NoError(t, m.RegisterChecker(NewCustomHealthChecker(failureBudgetComponent, false, time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{Component: failureBudgetComponent, Status: StatusDegraded, Message: "failure budget hard-stop engaged"}
	})))

	overall := m.GetOverallHealth(context.Background())
	require.True(t, overall.ExplorationPaused)
	require.Equal(t, StatusDegraded, overall.Status)
	// a hard-stop is expected operating behavior, not an outage
	require.True(t, overall.Ready)
}

func TestOverallHealthExplorationNotPausedWhenBudgetHealthy(t *testing.T) {
	m := NewManager(zap.NewNop())

	require.NoError(t, m.RegisterChecker(NewCustomHealthChecker(failureBudgetComponent, false, time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{Component: failureBudgetComponent, Status: StatusHealthy}
	})))

	overall := m.GetOverallHealth(context.Background())
	require.False(t, overall.ExplorationPaused)
	require.Equal(t, StatusHealthy, overall.Status)
}

func TestOverallHealthExplorationPausedFalseWithNoBudgetChecker(t *testing.T) {
	m := NewManager(zap.NewNop())

	require.NoError(t, m.RegisterChecker(NewCustomHealthChecker("artifact_store", true, time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{Component: "artifact_store", Status: StatusHealthy}
	})))

	overall := m.GetOverallHealth(context.Background())
	require.False(t, overall.ExplorationPaused)
}
