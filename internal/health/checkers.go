package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/circuitbreaker"
	"github.com/kocoro-labs/policyloop/internal/store"
)

// RedisHealthChecker checks the Redis connection backing the Failure
// Budget's cross-replica counters.
type RedisHealthChecker struct {
	wrapper *circuitbreaker.RedisWrapper
	logger  *zap.Logger
	timeout time.Duration
}

// NewRedisHealthChecker creates a Redis health checker.
func NewRedisHealthChecker(wrapper *circuitbreaker.RedisWrapper, logger *zap.Logger) *RedisHealthChecker {
	return &RedisHealthChecker{wrapper: wrapper, logger: logger, timeout: 5 * time.Second}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return true }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: "redis", Critical: true, Timestamp: startTime}

	cbName, cbState := r.wrapper.CircuitState()

	if r.wrapper != nil && r.wrapper.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Redis circuit breaker is open"
		result.Duration = time.Since(startTime)
		result.Details = map[string]interface{}{"circuit_breaker": cbName, "circuit_state": cbState.String()}
		return result
	}

	err := r.wrapper.Ping(ctx).Err()
	result.Duration = time.Since(startTime)

	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Redis ping failed"
		result.Details = map[string]interface{}{"error": err.Error(), "latency_ms": result.Duration.Milliseconds(), "circuit_breaker": cbName, "circuit_state": cbState.String()}
		return result
	}

	if result.Duration > 100*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "Redis responding but with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "Redis healthy"
	}
	result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds(), "circuit_breaker": cbName, "circuit_state": cbState.String()}
	return result
}

// ArtifactStoreHealthChecker checks that the Artifact Store's root
// directory is still writable, the precondition every other component in
// the core depends on.
type ArtifactStoreHealthChecker struct {
	artifacts *store.Store
	logger    *zap.Logger
	timeout   time.Duration
}

// NewArtifactStoreHealthChecker creates an artifact store health checker.
func NewArtifactStoreHealthChecker(artifacts *store.Store, logger *zap.Logger) *ArtifactStoreHealthChecker {
	return &ArtifactStoreHealthChecker{artifacts: artifacts, logger: logger, timeout: 5 * time.Second}
}

func (a *ArtifactStoreHealthChecker) Name() string           { return "artifact_store" }
func (a *ArtifactStoreHealthChecker) IsCritical() bool       { return true }
func (a *ArtifactStoreHealthChecker) Timeout() time.Duration { return a.timeout }

func (a *ArtifactStoreHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: "artifact_store", Critical: true, Timestamp: startTime}

	probeKey := "health/probe.json"
	if _, err := a.artifacts.Put(probeKey, []byte(`{"ok":true}`)); err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "artifact store not writable"
		result.Duration = time.Since(startTime)
		return result
	}

	result.Duration = time.Since(startTime)
	result.Status = StatusHealthy
	result.Message = "artifact store writable"
	result.Details = map[string]interface{}{"root": a.artifacts.Root(), "latency_ms": result.Duration.Milliseconds()}
	return result
}

// BudgetHealthChecker reports degraded (not unhealthy — this is expected
// operating behavior, not a fault) when the Failure Budget has hit its
// hard-stop guard.
type BudgetHealthChecker struct {
	snapshot func(ctx context.Context) (hardStop bool, reason string, err error)
	logger   *zap.Logger
	timeout  time.Duration
}

// NewBudgetHealthChecker creates a Failure Budget health checker. snapshot
// is expected to be *budget.Manager's Snapshot method adapted to a plain
// (hardStop, reason, err) return so this package never imports
// internal/budget directly.
func NewBudgetHealthChecker(snapshot func(ctx context.Context) (bool, string, error), logger *zap.Logger) *BudgetHealthChecker {
	return &BudgetHealthChecker{snapshot: snapshot, logger: logger, timeout: 5 * time.Second}
}

func (b *BudgetHealthChecker) Name() string           { return "failure_budget" }
func (b *BudgetHealthChecker) IsCritical() bool       { return false }
func (b *BudgetHealthChecker) Timeout() time.Duration { return b.timeout }

func (b *BudgetHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: "failure_budget", Critical: false, Timestamp: startTime}

	hardStop, reason, err := b.snapshot(ctx)
	result.Duration = time.Since(startTime)
	if err != nil {
		result.Status = StatusDegraded
		result.Error = err.Error()
		result.Message = "failure budget snapshot unavailable"
		return result
	}
	if hardStop {
		result.Status = StatusDegraded
		result.Message = "failure budget hard-stop engaged: exploration disabled"
		result.Details = map[string]interface{}{"reason": reason}
		return result
	}
	result.Status = StatusHealthy
	result.Message = "failure budget within bounds"
	return result
}

// CustomHealthChecker allows for custom health check logic.
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker.
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
