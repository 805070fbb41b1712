// Package gate implements the A/B Gate (C11): a deterministic rule over a
// ShadowEvalReport comparing an active and candidate policy's aggregate
// KPIs across N simulated replays, producing a pass/block GateDecision with
// per-check reasons. The four checks themselves (success uplift, cost
// increase, latency increase, evidence pass rate) are plain arithmetic; the
// AND-reduce and reason bookkeeping run through a compiled OPA rego query,
// generalizing the same compiled-rego-module pattern the governance policy
// engine uses for request-time allow/deny decisions.
package gate

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/hashutil"
	"github.com/kocoro-labs/policyloop/internal/models"
	"github.com/kocoro-labs/policyloop/internal/store"
)

//go:embed gate.rego
var gatePolicy string

// PolicyMetrics is the slice of a PolicyKPI the gate's checks read.
type PolicyMetrics struct {
	SuccessRate      float64
	AvgCostUSD       float64
	P95LatencyMs     float64
	EvidencePassRate float64
}

// ShadowEvalReport compares an active and candidate policy's aggregate
// metrics over N simulated replays (spec.md §4.11).
type ShadowEvalReport struct {
	Active    PolicyMetrics
	Candidate PolicyMetrics
}

// Thresholds configures the gate's four checks.
type Thresholds struct {
	MinSuccessUplift       float64
	MaxCostIncrease        float64
	MaxLatencyIncreaseP95  float64
	MinEvidencePassRate    float64
}

// DefaultThresholds matches spec.md §8's illustrative defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSuccessUplift:      0.0,
		MaxCostIncrease:       0.05,
		MaxLatencyIncreaseP95: 0.10,
		MinEvidencePassRate:   0.90,
	}
}

// Engine evaluates ShadowEvalReports against the compiled gate policy.
type Engine struct {
	compiled  *rego.PreparedEvalQuery
	artifacts *store.Store
	logger    *zap.Logger
}

// New compiles the embedded gate policy.
func New(artifacts *store.Store, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	compiled, err := rego.New(
		rego.Query("data.policyloop.gate.decision"),
		rego.Module("gate.rego", gatePolicy),
	).PrepareForEval(context.Background())
	if err != nil {
		return nil, fmt.Errorf("gate: compile policy: %w", err)
	}
	return &Engine{compiled: &compiled, artifacts: artifacts, logger: logger}, nil
}

// ratio divides num/den, treating a zero denominator per spec.md §4.11: 0
// if num <= 0, else 1.0 (a candidate that got strictly worse against a
// baseline of zero is treated as maximally worse, not as "undefined").
func ratio(num, den float64) float64 {
	if den == 0 {
		if num <= 0 {
			return 0
		}
		return 1.0
	}
	return num / den
}

func gateKey(inputsHash string) string { return "gate_decisions/" + inputsHash + ".json" }

// Evaluate runs the four checks and the compiled AND-reduce, persists, and
// returns the GateDecision.
func (e *Engine) Evaluate(ctx context.Context, report ShadowEvalReport, th Thresholds) (models.GateDecision, error) {
	successValue := report.Candidate.SuccessRate - report.Active.SuccessRate
	costValue := ratio(report.Candidate.AvgCostUSD-report.Active.AvgCostUSD, report.Active.AvgCostUSD)
	latencyValue := ratio(report.Candidate.P95LatencyMs-report.Active.P95LatencyMs, report.Active.P95LatencyMs)
	evidenceValue := report.Candidate.EvidencePassRate

	checks := []models.GateCheck{
		{Name: "success", Pass: successValue >= th.MinSuccessUplift, Value: successValue, Threshold: th.MinSuccessUplift},
		{Name: "cost", Pass: costValue <= th.MaxCostIncrease, Value: costValue, Threshold: th.MaxCostIncrease},
		{Name: "latency", Pass: latencyValue <= th.MaxLatencyIncreaseP95, Value: latencyValue, Threshold: th.MaxLatencyIncreaseP95},
		{Name: "evidence", Pass: evidenceValue >= th.MinEvidencePassRate, Value: evidenceValue, Threshold: th.MinEvidencePassRate},
	}

	inputChecks := make([]map[string]interface{}, len(checks))
	for i, c := range checks {
		inputChecks[i] = map[string]interface{}{"name": c.Name, "pass": c.Pass}
	}

	results, err := e.compiled.Eval(ctx, rego.EvalInput(map[string]interface{}{"checks": inputChecks}))
	if err != nil {
		return models.GateDecision{}, fmt.Errorf("gate: evaluate policy: %w", err)
	}

	gatePass := false
	var reasons, blocked []string
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		if valueMap, ok := results[0].Expressions[0].Value.(map[string]interface{}); ok {
			if pass, ok := valueMap["gate_pass"].(bool); ok {
				gatePass = pass
			}
			reasons = toStringSlice(valueMap["reasons"])
			blocked = toStringSlice(valueMap["blocked_reasons"])
		}
	}

	decision := models.GateDecision{
		SchemaVersion:  models.SchemaVersion,
		InputsHash:     hashutil.InputsHash(report),
		GatePass:       gatePass,
		Reasons:        reasons,
		BlockedReasons: blocked,
		Checks:         checks,
		Thresholds: map[string]float64{
			"min_success_uplift":         th.MinSuccessUplift,
			"max_cost_increase":          th.MaxCostIncrease,
			"max_latency_increase_p95":   th.MaxLatencyIncreaseP95,
			"min_evidence_pass_rate":     th.MinEvidencePassRate,
		},
		GeneratedAt: models.Now(),
	}

	data, err := json.Marshal(decision)
	if err != nil {
		return decision, fmt.Errorf("gate: marshal decision: %w", err)
	}
	if e.artifacts != nil {
		if _, err := e.artifacts.Put(gateKey(decision.InputsHash), data); err != nil {
			e.logger.Warn("gate: failed persisting decision", zap.Error(err))
		}
	}
	return decision, nil
}

func toStringSlice(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
