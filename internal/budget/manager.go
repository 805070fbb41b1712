// Package budget implements the Failure Budget (C7): a rolling sandbox that
// caps how much exploration (C8) is allowed to cost the system in a given
// window, expressed as three independent ceilings — failure count, USD
// spend, and latency spend. Once any ceiling is crossed, hard_stop latches
// for the rest of the window and every subsequent spend is refused; the
// production path never reads this package and is unaffected.
//
// Counters live in Redis so every replica of the learning controller shares
// one budget. can_spend/spend are built from atomic INCRBY/INCRBYFLOAT
// rather than an application-level lock: spec.md explicitly tolerates a
// double-spend race across concurrent callers, since the budget is a soft
// sandbox and not a safety mechanism. The rolling window itself is a Redis
// TTL on the counter keys — once it elapses, the next access finds the keys
// absent and silently reinitializes a fresh allotment.
package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/circuitbreaker"
	"github.com/kocoro-labs/policyloop/internal/metrics"
	"github.com/kocoro-labs/policyloop/internal/models"
	"github.com/kocoro-labs/policyloop/internal/store"
)

const (
	keyRemainingFailures  = "budget:remaining_failures"
	keyRemainingCostUSD   = "budget:remaining_cost_usd"
	keyRemainingLatencyMs = "budget:remaining_latency_ms"
	keySpentFailures      = "budget:spent_failures"
	keySpentCostUSD       = "budget:spent_cost_usd"
	keySpentLatencyMs     = "budget:spent_latency_ms"
	keyHardStopReason     = "budget:hard_stop_reason"
)

const snapshotKey = "failure_budget.json"

// ReasonBudgetExhausted is the last_stop_reason set when spend() is refused
// because the requested amount would exceed a remaining ceiling.
const ReasonBudgetExhausted = "budget_exhausted"

// DefaultWindow is how long a budget allotment lasts before rolling over.
const DefaultWindow = 24 * time.Hour

// ErrBudgetExhausted is returned by Spend when the spend was refused.
var ErrBudgetExhausted = errors.New("budget: exhausted")

// Config is the initial allotment and window length of a Manager.
type Config struct {
	MaxFailures  int
	MaxCostUSD   float64
	MaxLatencyMs float64
	Window       time.Duration
}

// DefaultConfig is a conservative illustrative sandbox: 20 failures, $5,
// 10 minutes of cumulative latency per rolling day.
func DefaultConfig() Config {
	return Config{
		MaxFailures:  20,
		MaxCostUSD:   5.0,
		MaxLatencyMs: 600000,
		Window:       DefaultWindow,
	}
}

// Manager is the Failure Budget (C7).
type Manager struct {
	redis     *circuitbreaker.RedisWrapper
	artifacts *store.Store
	logger    *zap.Logger
	cfg       Config

	mu sync.Mutex // serializes this process's own Reset/TripExternal calls
}

// New constructs a Manager. redisWrapper must not be nil; artifacts may be
// nil, in which case Snapshot persistence is skipped (useful for tests that
// only care about can_spend/spend semantics).
func New(redisWrapper *circuitbreaker.RedisWrapper, artifacts *store.Store, logger *zap.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Manager{redis: redisWrapper, artifacts: artifacts, logger: logger, cfg: cfg}
}

// CanSpend reports whether (failures, costUSD, latencyMs) could currently be
// spent: false if hard_stop is latched or any dimension's remaining amount
// is less than requested.
func (m *Manager) CanSpend(ctx context.Context, failures int, costUSD, latencyMs float64) (bool, error) {
	if err := m.ensureInitialized(ctx); err != nil {
		return false, err
	}
	if _, stopped := m.hardStopReason(ctx); stopped {
		return false, nil
	}

	remFailures, err := m.getInt(ctx, keyRemainingFailures)
	if err != nil {
		return false, err
	}
	remCost, err := m.getFloat(ctx, keyRemainingCostUSD)
	if err != nil {
		return false, err
	}
	remLatency, err := m.getFloat(ctx, keyRemainingLatencyMs)
	if err != nil {
		return false, err
	}

	if failures > remFailures || costUSD > remCost || latencyMs > remLatency {
		return false, nil
	}
	return true, nil
}

// Spend debits (failures, costUSD, latencyMs) from the budget. If the spend
// would exceed any remaining ceiling it is refused: hard_stop latches with
// reason ReasonBudgetExhausted and ErrBudgetExhausted is returned. Otherwise
// the remaining/spent counters are updated atomically in Redis.
func (m *Manager) Spend(ctx context.Context, failures int, costUSD, latencyMs float64) error {
	ok, err := m.CanSpend(ctx, failures, costUSD, latencyMs)
	if err != nil {
		return err
	}
	if !ok {
		if err := m.redis.Set(ctx, keyHardStopReason, ReasonBudgetExhausted, m.cfg.Window).Err(); err != nil {
			return fmt.Errorf("budget: latch hard_stop: %w", err)
		}
		if _, err := m.snapshot(ctx); err != nil {
			m.logger.Warn("budget: failed persisting snapshot after hard stop", zap.Error(err))
		}
		return ErrBudgetExhausted
	}

	if failures != 0 {
		if err := m.redis.IncrBy(ctx, keyRemainingFailures, int64(-failures)).Err(); err != nil {
			return fmt.Errorf("budget: spend failures: %w", err)
		}
		if err := m.redis.IncrBy(ctx, keySpentFailures, int64(failures)).Err(); err != nil {
			return fmt.Errorf("budget: record spent failures: %w", err)
		}
	}
	if costUSD != 0 {
		if err := m.redis.IncrByFloat(ctx, keyRemainingCostUSD, -costUSD).Err(); err != nil {
			return fmt.Errorf("budget: spend cost: %w", err)
		}
		if err := m.redis.IncrByFloat(ctx, keySpentCostUSD, costUSD).Err(); err != nil {
			return fmt.Errorf("budget: record spent cost: %w", err)
		}
	}
	if latencyMs != 0 {
		if err := m.redis.IncrByFloat(ctx, keyRemainingLatencyMs, -latencyMs).Err(); err != nil {
			return fmt.Errorf("budget: spend latency: %w", err)
		}
		if err := m.redis.IncrByFloat(ctx, keySpentLatencyMs, latencyMs).Err(); err != nil {
			return fmt.Errorf("budget: record spent latency: %w", err)
		}
	}

	if _, err := m.snapshot(ctx); err != nil {
		m.logger.Warn("budget: failed persisting snapshot after spend", zap.Error(err))
	}
	return nil
}

// Reset restores the full initial allotment and clears hard_stop, for a new
// window or an operator-triggered recovery.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.reinitialize(ctx, ""); err != nil {
		return err
	}
	_, err := m.snapshot(ctx)
	return err
}

// TripExternal force-latches hard_stop with reason, used when something
// outside the numeric budget (e.g. the circuit breaker protecting the
// budget's own Redis link) decides exploration must stop regardless of
// remaining headroom. reason defaults to "external_circuit_open".
func (m *Manager) TripExternal(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "external_circuit_open"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.redis.Set(ctx, keyHardStopReason, reason, m.cfg.Window).Err(); err != nil {
		return fmt.Errorf("budget: trip external: %w", err)
	}
	_, err := m.snapshot(ctx)
	return err
}

// Snapshot returns the current FailureBudgetState and persists it to the
// artifact store under failure_budget.json.
func (m *Manager) Snapshot(ctx context.Context) (models.FailureBudgetState, error) {
	if err := m.ensureInitialized(ctx); err != nil {
		return models.FailureBudgetState{}, err
	}
	return m.snapshot(ctx)
}

func (m *Manager) ensureInitialized(ctx context.Context) error {
	cmd := m.redis.Get(ctx, keyRemainingFailures)
	if cmd.Err() == nil {
		return nil
	}
	if cmd.Err() != redis.Nil {
		return fmt.Errorf("budget: check window: %w", cmd.Err())
	}
	return m.reinitialize(ctx, "")
}

// reinitialize writes a fresh allotment. A non-empty reason starts it
// already hard-stopped; every current caller passes "".
func (m *Manager) reinitialize(ctx context.Context, reason string) error {
	sets := []struct {
		key   string
		value interface{}
	}{
		{keyRemainingFailures, m.cfg.MaxFailures},
		{keyRemainingCostUSD, m.cfg.MaxCostUSD},
		{keyRemainingLatencyMs, m.cfg.MaxLatencyMs},
		{keySpentFailures, 0},
		{keySpentCostUSD, 0.0},
		{keySpentLatencyMs, 0.0},
	}
	for _, s := range sets {
		if err := m.redis.Set(ctx, s.key, s.value, m.cfg.Window).Err(); err != nil {
			return fmt.Errorf("budget: initialize %s: %w", s.key, err)
		}
	}
	if reason == "" {
		m.redis.Del(ctx, keyHardStopReason)
	} else if err := m.redis.Set(ctx, keyHardStopReason, reason, m.cfg.Window).Err(); err != nil {
		return fmt.Errorf("budget: initialize hard_stop: %w", err)
	}
	return nil
}

func (m *Manager) hardStopReason(ctx context.Context) (reason string, stopped bool) {
	cmd := m.redis.Get(ctx, keyHardStopReason)
	if cmd.Err() != nil {
		return "", false
	}
	return cmd.Val(), cmd.Val() != ""
}

func (m *Manager) getInt(ctx context.Context, key string) (int, error) {
	cmd := m.redis.Get(ctx, key)
	if cmd.Err() != nil {
		if cmd.Err() == redis.Nil {
			return 0, nil
		}
		return 0, cmd.Err()
	}
	v, err := strconv.Atoi(cmd.Val())
	if err != nil {
		return 0, fmt.Errorf("budget: parse %s: %w", key, err)
	}
	return v, nil
}

func (m *Manager) getFloat(ctx context.Context, key string) (float64, error) {
	cmd := m.redis.Get(ctx, key)
	if cmd.Err() != nil {
		if cmd.Err() == redis.Nil {
			return 0, nil
		}
		return 0, cmd.Err()
	}
	v, err := strconv.ParseFloat(cmd.Val(), 64)
	if err != nil {
		return 0, fmt.Errorf("budget: parse %s: %w", key, err)
	}
	return v, nil
}

func (m *Manager) snapshot(ctx context.Context) (models.FailureBudgetState, error) {
	remFailures, err := m.getInt(ctx, keyRemainingFailures)
	if err != nil {
		return models.FailureBudgetState{}, err
	}
	remCost, err := m.getFloat(ctx, keyRemainingCostUSD)
	if err != nil {
		return models.FailureBudgetState{}, err
	}
	remLatency, err := m.getFloat(ctx, keyRemainingLatencyMs)
	if err != nil {
		return models.FailureBudgetState{}, err
	}
	spentFailures, err := m.getInt(ctx, keySpentFailures)
	if err != nil {
		return models.FailureBudgetState{}, err
	}
	spentCost, err := m.getFloat(ctx, keySpentCostUSD)
	if err != nil {
		return models.FailureBudgetState{}, err
	}
	spentLatency, err := m.getFloat(ctx, keySpentLatencyMs)
	if err != nil {
		return models.FailureBudgetState{}, err
	}
	reason, stopped := m.hardStopReason(ctx)

	state := models.FailureBudgetState{
		SchemaVersion:      models.SchemaVersion,
		RemainingFailures:  remFailures,
		RemainingCostUSD:   remCost,
		RemainingLatencyMs: remLatency,
		SpentFailures:      spentFailures,
		SpentCostUSD:       spentCost,
		SpentLatencyMs:     spentLatency,
		HardStop:           stopped,
		LastStopReason:     reason,
		UpdatedAt:          models.Now(),
	}
	if stopped {
		metrics.BudgetHardStop.Set(1)
	} else {
		metrics.BudgetHardStop.Set(0)
	}

	if m.artifacts == nil {
		return state, nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return state, fmt.Errorf("budget: marshal snapshot: %w", err)
	}
	if _, err := m.artifacts.Put(snapshotKey, data); err != nil {
		return state, fmt.Errorf("budget: persist snapshot: %w", err)
	}
	return state, nil
}
