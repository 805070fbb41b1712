// Package replay implements the Golden Replay / Regression Runner (C10):
// assembles a replay suite from a curated golden list plus recent failures
// and newly observed patterns, runs a candidate against every item under a
// per-item timeout and rate limit, and compares the aggregate against the
// golden baseline to produce a RegressionVerdict.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/kocoro-labs/policyloop/internal/models"
	"github.com/kocoro-labs/policyloop/internal/store"
)

// DefaultSuiteSize caps the assembled replay suite, per spec.md §4.10.
const DefaultSuiteSize = 100

// DefaultSuccessDropThreshold and DefaultCostIncreaseThreshold are the
// drift tolerances applied when no caller-specific Thresholds are given.
const (
	DefaultSuccessDropThreshold  = 0.05
	DefaultCostIncreaseThreshold = 0.10
)

// GoldenItem is one entry in the curated golden list, authored as YAML and
// loaded at startup (grounded on spec.md's "fixed golden" suite source).
type GoldenItem struct {
	Input           interface{} `yaml:"input" json:"input"`
	ExpectedSuccess bool        `yaml:"expected_success" json:"expected_success"`
	ExpectedCostUSD float64     `yaml:"expected_cost_usd" json:"expected_cost_usd"`
	ExpectedErrorType string    `yaml:"expected_error_type,omitempty" json:"expected_error_type,omitempty"`
}

// LoadGoldenYAML parses a curated golden-list YAML document into GoldenItems.
func LoadGoldenYAML(data []byte) ([]GoldenItem, error) {
	var items []GoldenItem
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("replay: parse golden yaml: %w", err)
	}
	return items, nil
}

// Outcome is what the candidate runner reports for one replayed item.
type Outcome struct {
	Success   bool
	CostUSD   float64
	LatencyMs float64
	ErrorType string
}

// Runner replays payload against the candidate policy under evaluation.
type Runner func(ctx context.Context, payload interface{}) (Outcome, error)

// Thresholds overrides the default drift tolerances.
type Thresholds struct {
	SuccessDropThreshold   float64
	CostIncreaseThreshold  float64
	AllowNewFailureModes   bool
}

// DefaultThresholds matches spec.md's illustrative regression tolerances.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SuccessDropThreshold:  DefaultSuccessDropThreshold,
		CostIncreaseThreshold: DefaultCostIncreaseThreshold,
		AllowNewFailureModes:  false,
	}
}

// SuiteItem pairs a replay input with its golden expectation.
type SuiteItem struct {
	Input           interface{}
	ExpectedSuccess bool
	ExpectedCostUSD float64
	ExpectedErrorType string
}

// BuildSuite assembles a replay suite from three sources — the full curated
// golden list, up to limit/2 recent failure inputs, and up to limit/2
// new-pattern inputs — capped at limit total, golden items always included
// first. Non-golden sources have no expected_success/expected_cost baked in
// the protocol (they're real observed inputs); we mark them
// expected_success=true and expected_cost_usd=0, so they count toward the
// baseline success rate like golden items, and a candidate failure on any of
// them is a success_regression.
func BuildSuite(golden []GoldenItem, recentFailures, newPatterns []interface{}, limit int) []SuiteItem {
	if limit <= 0 {
		limit = DefaultSuiteSize
	}
	suite := make([]SuiteItem, 0, limit)
	for _, g := range golden {
		suite = append(suite, SuiteItem{
			Input:             g.Input,
			ExpectedSuccess:   g.ExpectedSuccess,
			ExpectedCostUSD:   g.ExpectedCostUSD,
			ExpectedErrorType: g.ExpectedErrorType,
		})
		if len(suite) >= limit {
			return suite[:limit]
		}
	}
	half := limit / 2
	for i, f := range recentFailures {
		if i >= half || len(suite) >= limit {
			break
		}
		suite = append(suite, SuiteItem{Input: f, ExpectedSuccess: true})
	}
	for i, p := range newPatterns {
		if i >= half || len(suite) >= limit {
			break
		}
		suite = append(suite, SuiteItem{Input: p, ExpectedSuccess: true})
	}
	if len(suite) > limit {
		suite = suite[:limit]
	}
	return suite
}

// Evaluator runs replay suites against a candidate and persists verdicts.
type Evaluator struct {
	artifacts   *store.Store
	logger      *zap.Logger
	itemTimeout time.Duration
	limiter     *rate.Limiter
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithItemTimeout bounds how long a single replay item may run.
func WithItemTimeout(d time.Duration) Option {
	return func(e *Evaluator) { e.itemTimeout = d }
}

// WithRateLimit bounds how many replay items run per second, bursting up to
// burst — protects a shared candidate runner from being hammered by a large
// suite.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(e *Evaluator) { e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// New constructs an Evaluator. Defaults: 30s per-item timeout, unlimited rate.
func New(artifacts *store.Store, logger *zap.Logger, opts ...Option) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Evaluator{artifacts: artifacts, logger: logger, itemTimeout: 30 * time.Second}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func verdictKey(candidateID string) string { return "regression/" + candidateID + ".json" }

// Run replays suite against candidateID via runner, comparing aggregate
// outcomes to the golden baseline, and persists + returns the verdict.
func (e *Evaluator) Run(ctx context.Context, candidateID string, suite []SuiteItem, runner Runner, th Thresholds) (models.RegressionVerdict, error) {
	var blocking []string
	var successes int
	var totalCost, totalLatency float64
	observedFailureModes := map[string]bool{}
	goldenFailureModes := map[string]bool{}
	var goldenSuccesses int
	var goldenCostSum float64

	for _, item := range suite {
		if item.ExpectedSuccess {
			goldenSuccesses++
		} else {
			goldenFailureModes[item.ExpectedErrorType] = true
		}
		goldenCostSum += item.ExpectedCostUSD

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return models.RegressionVerdict{}, fmt.Errorf("replay: rate limit wait: %w", err)
			}
		}

		itemCtx := ctx
		var cancel context.CancelFunc
		if e.itemTimeout > 0 {
			itemCtx, cancel = context.WithTimeout(ctx, e.itemTimeout)
		}
		outcome, err := runner(itemCtx, item.Input)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			outcome = Outcome{Success: false, ErrorType: "runner_error"}
		}

		if outcome.Success {
			successes++
		} else {
			mode := outcome.ErrorType
			if mode == "" {
				mode = "unknown"
			}
			observedFailureModes[mode] = true
		}
		totalCost += outcome.CostUSD
		totalLatency += outcome.LatencyMs

		if item.ExpectedSuccess && !outcome.Success {
			blocking = append(blocking, "success_regression")
		}
	}

	n := len(suite)
	if n == 0 {
		n = 1
	}
	successRate := float64(successes) / float64(n)
	avgCost := totalCost / float64(n)
	goldenSuccessRate := 0.0
	if len(suite) > 0 {
		goldenSuccessRate = float64(goldenSuccesses) / float64(len(suite))
	}
	goldenAvgCost := 0.0
	if len(suite) > 0 {
		goldenAvgCost = goldenCostSum / float64(len(suite))
	}

	if successRate < goldenSuccessRate*(1-th.SuccessDropThreshold) {
		blocking = append(blocking, "success_rate_drop")
	}
	if avgCost > goldenAvgCost*(1+th.CostIncreaseThreshold) {
		blocking = append(blocking, "cost_increase")
	}
	if !th.AllowNewFailureModes {
		for mode := range observedFailureModes {
			if !goldenFailureModes[mode] {
				blocking = append(blocking, "new_failure_modes")
				break
			}
		}
	}

	pass := len(blocking) == 0
	verdict := models.RegressionVerdict{
		SchemaVersion:   models.SchemaVersion,
		CandidateID:     candidateID,
		PassRegression:  pass,
		SafeToRollout:   pass,
		BlockingReasons: dedupe(blocking),
		GeneratedAt:     models.Now(),
	}

	data, err := json.Marshal(verdict)
	if err != nil {
		return verdict, fmt.Errorf("replay: marshal verdict: %w", err)
	}
	if _, err := e.artifacts.Put(verdictKey(candidateID), data); err != nil {
		return verdict, fmt.Errorf("replay: persist verdict: %w", err)
	}
	return verdict, nil
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
