// Package shadow implements the Shadow Executor (C9): runs an active and a
// candidate runner sequentially against the same input and diffs their
// outcomes, writing only to the shadow namespace. Nothing in this package
// may ever influence a production-visible artifact — a shadow run is
// observation only.
package shadow

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/models"
	"github.com/kocoro-labs/policyloop/internal/store"
)

// RunOutcome is what a caller-supplied runner reports for one execution.
type RunOutcome struct {
	Decision          string
	Success           bool
	CostUSD           float64
	LatencyMs         float64
	EvidenceUsageRate float64
}

// Runner executes a policy against payload and must be side-effect-free:
// shadow execution is explicitly forbidden from touching any
// production-visible store.
type Runner func(ctx context.Context, payload interface{}) (RunOutcome, error)

// Executor runs shadow comparisons and persists ShadowResults.
type Executor struct {
	artifacts *store.Store
	logger    *zap.Logger
}

// New constructs an Executor writing into artifacts.
func New(artifacts *store.Store, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{artifacts: artifacts, logger: logger}
}

func shadowKey(runID string) string { return "shadow_diff/" + runID + ".json" }

// RunShadow awaits activeRunner then candidateRunner sequentially (not
// concurrently) so the candidate sees a consistent snapshot of any shared
// read-only state, computes the diff between them, and persists it under
// the shadow namespace only.
func (e *Executor) RunShadow(ctx context.Context, runID string, payload interface{}, activeRunner, candidateRunner Runner) (models.ShadowResult, error) {
	if reflect.ValueOf(activeRunner).Pointer() == reflect.ValueOf(candidateRunner).Pointer() {
		e.logger.Warn("shadow_runners_identical",
			zap.String("run_id", runID),
		)
	}

	active, err := activeRunner(ctx, payload)
	if err != nil {
		return models.ShadowResult{}, fmt.Errorf("shadow: active runner: %w", err)
	}
	candidate, err := candidateRunner(ctx, payload)
	if err != nil {
		return models.ShadowResult{}, fmt.Errorf("shadow: candidate runner: %w", err)
	}

	result := models.ShadowResult{
		SchemaVersion:      models.SchemaVersion,
		RunID:              runID,
		DecisionDivergence: active.Decision != candidate.Decision,
		CostDelta:          candidate.CostUSD - active.CostUSD,
		LatencyDelta:       candidate.LatencyMs - active.LatencyMs,
		SuccessDelta:       successVal(candidate.Success) - successVal(active.Success),
		ActiveDecision:     active.Decision,
		CandidateDecision:  candidate.Decision,
		GeneratedAt:        models.Now(),
	}

	data, err := json.Marshal(result)
	if err != nil {
		return result, fmt.Errorf("shadow: marshal result: %w", err)
	}
	if _, err := e.artifacts.Put(shadowKey(runID), data); err != nil {
		return result, fmt.Errorf("shadow: persist result: %w", err)
	}
	return result, nil
}

func successVal(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

// Load reads back a previously persisted ShadowResult.
func (e *Executor) Load(runID string) (models.ShadowResult, bool, error) {
	data, absent, err := e.artifacts.Get(shadowKey(runID))
	if err != nil {
		return models.ShadowResult{}, false, err
	}
	if absent {
		return models.ShadowResult{}, false, nil
	}
	var result models.ShadowResult
	if err := json.Unmarshal(data, &result); err != nil {
		return models.ShadowResult{}, false, fmt.Errorf("shadow: unmarshal result: %w", err)
	}
	return result, true, nil
}
