// Package attribution implements the Decision Attributor (C5): given a
// RunSignal, it scores a fixed set of failure causes from weighted evidence,
// normalizes the scores into a layer blame vector, and persists the
// resulting Attribution. Historical success rates (retrieval policy, prompt
// template, pattern) are read through the HistoricalStats interface so this
// package never depends on Working Memory or the KPI Aggregator directly.
package attribution

import (
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/models"
	"github.com/kocoro-labs/policyloop/internal/store"
)

// HistoricalStats supplies the historical success-rate lookups the scoring
// rules need. Implementations are expected to return known=false when the
// key has never been observed, in which case the rule contributes nothing.
type HistoricalStats interface {
	RetrievalSuccessRate(policyID string) (rate float64, known bool)
	PromptSuccessRate(templateID string) (rate float64, known bool)
	PatternSuccessRate(signature string) (rate float64, known bool)
}

// NopStats is a HistoricalStats that never has history. Useful as a
// zero-value default when no historical source is wired yet.
type NopStats struct{}

func (NopStats) RetrievalSuccessRate(string) (float64, bool) { return 0, false }
func (NopStats) PromptSuccessRate(string) (float64, bool)    { return 0, false }
func (NopStats) PatternSuccessRate(string) (float64, bool)   { return 0, false }

// Thresholds tunes the PROMPT_MISMATCH latency/cost rules.
type Thresholds struct {
	HighLatencyMs float64
	HighCostUSD   float64
}

// DefaultThresholds matches the "high-threshold" language in the spec with
// concrete, conservative defaults.
var DefaultThresholds = Thresholds{HighLatencyMs: 5000, HighCostUSD: 0.5}

// layerOrder is the assumed execution order of layers within one run:
// evidence is retrieved, the planner chooses a path, a prompt is generated,
// then tools execute. Used only to break near-ties between cause scores.
var layerOrder = []string{"retrieval", "planner", "prompt", "tool"}

func layerForCause(c models.Cause) string {
	switch c {
	case models.CauseToolTimeout, models.CauseEnvironmentError:
		return "tool"
	case models.CauseRetrievalMiss, models.CauseEvidenceInsufficient:
		return "retrieval"
	case models.CausePromptMismatch, models.CauseGenerationHallucination:
		return "prompt"
	case models.CausePlannerError:
		return "planner"
	default:
		return "unknown"
	}
}

func layerIndex(layer string) int {
	for i, l := range layerOrder {
		if l == layer {
			return i
		}
	}
	return len(layerOrder)
}

// Attributor scores and persists Attributions.
type Attributor struct {
	artifacts  *store.Store
	logger     *zap.Logger
	stats      HistoricalStats
	thresholds Thresholds
}

// Option configures an Attributor at construction.
type Option func(*Attributor)

// WithThresholds overrides DefaultThresholds.
func WithThresholds(t Thresholds) Option { return func(a *Attributor) { a.thresholds = t } }

// New constructs an Attributor. stats may be nil, in which case NopStats is
// used and all historical-success rules contribute nothing.
func New(artifacts *store.Store, stats HistoricalStats, logger *zap.Logger, opts ...Option) *Attributor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stats == nil {
		stats = NopStats{}
	}
	a := &Attributor{artifacts: artifacts, logger: logger, stats: stats, thresholds: DefaultThresholds}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func attributionKey(runID string) string { return "attributions/" + runID + ".json" }
func latestKey() string                  { return "attributions/latest.json" }

var toolFailureWeights = map[string]float64{
	"TIMEOUT":    1.0,
	"PERMISSION": 0.6,
	"INVALID":    0.5,
	"ENV":        0.4,
}

func containsRetry(path []string) bool {
	for _, p := range path {
		if p == "retry" {
			return true
		}
	}
	return false
}

func isDegradedPlannerMode(mode string) bool {
	switch mode {
	case "degraded", "minimal", "fallback":
		return true
	default:
		return false
	}
}

// Score computes the cause scores and the supporting signals that fired,
// without persisting anything. Exported for reuse by tests and by the
// Exploration Engine's attribution-directed targeting.
func (a *Attributor) Score(sig models.RunSignal) (scores map[models.Cause]float64, signals map[string]interface{}) {
	scores = map[models.Cause]float64{}
	signals = map[string]interface{}{}

	for failureType, count := range sig.FailureTypes {
		if w, ok := toolFailureWeights[failureType]; ok {
			scores[models.CauseToolTimeout] += w * float64(count)
		}
	}
	if sig.ToolSuccessRate < 0.7 {
		scores[models.CauseToolTimeout] += 0.5
		signals["tool_success_rate_low"] = sig.ToolSuccessRate
	}

	if sig.EvidenceUsageRate < 0.3 {
		scores[models.CauseRetrievalMiss] += 0.5
		signals["evidence_usage_rate_low"] = sig.EvidenceUsageRate
	}
	if sig.NumDocs == 0 {
		scores[models.CauseRetrievalMiss] += 0.5
		signals["num_docs_zero"] = true
	}
	if rate, known := a.stats.RetrievalSuccessRate(sig.RetrievalPolicyID); known && rate < 0.6 {
		scores[models.CauseRetrievalMiss] += 0.4
		signals["retrieval_policy_historical_success"] = rate
	}

	if rate, known := a.stats.PromptSuccessRate(sig.PromptTemplateID); known && rate < 0.7 {
		scores[models.CausePromptMismatch] += 0.4
		signals["prompt_template_historical_success"] = rate
	}
	if sig.GenerationLatencyMs > a.thresholds.HighLatencyMs {
		scores[models.CausePromptMismatch] += 0.3
		signals["generation_latency_high"] = sig.GenerationLatencyMs
	}
	if sig.GenerationCostUSD > a.thresholds.HighCostUSD {
		scores[models.CausePromptMismatch] += 0.3
		signals["generation_cost_high"] = sig.GenerationCostUSD
	}

	if isDegradedPlannerMode(sig.PlannerMode) {
		scores[models.CausePlannerError] += 0.5
		signals["planner_mode_degraded"] = sig.PlannerMode
	}
	if containsRetry(sig.PlannerPath) {
		scores[models.CausePlannerError] += 0.3
		signals["planner_path_retried"] = true
	}
	if rate, known := a.stats.PatternSuccessRate(sig.PatternSignature); known && rate < 0.3 {
		scores[models.CausePlannerError] += 0.4
		signals["pattern_historical_success"] = rate
	}

	return scores, signals
}

// Attribute builds, persists, and returns the Attribution for a RunSignal.
func (a *Attributor) Attribute(sig models.RunSignal) (models.Attribution, error) {
	attr := models.Attribution{
		SchemaVersion: models.SchemaVersion,
		RunID:         sig.RunID,
		GeneratedAt:   models.Now(),
	}

	if sig.RunSuccess {
		attr.Failure = false
		attr.PrimaryCause = models.CauseUnknown
		attr.Confidence = 0
		attr.ExcludedLayers = append([]string(nil), layerOrder...)
		if err := a.persist(attr); err != nil {
			return attr, err
		}
		return attr, nil
	}

	attr.Failure = true
	scores, signals := a.Score(sig)

	var sum float64
	for _, s := range scores {
		sum += s
	}

	causes := make([]models.Cause, 0, len(scores))
	for c := range scores {
		causes = append(causes, c)
	}
	sort.Slice(causes, func(i, j int) bool {
		if scores[causes[i]] != scores[causes[j]] {
			return scores[causes[i]] > scores[causes[j]]
		}
		return causes[i] < causes[j]
	})

	if len(causes) == 0 || sum == 0 {
		attr.PrimaryCause = models.CauseUnknown
		attr.PrimaryLayer = ""
		attr.Confidence = 0
		attr.ExcludedLayers = append([]string(nil), layerOrder...)
		attr.SupportingSignals = signals
		if err := a.persist(attr); err != nil {
			return attr, err
		}
		return attr, nil
	}

	top := causes[0]
	topScore := scores[top]
	for _, c := range causes[1:] {
		if topScore > 0 && (topScore-scores[c])/topScore <= 0.05 {
			if layerIndex(layerForCause(c)) < layerIndex(layerForCause(top)) {
				top = c
			}
		}
	}

	weightsByLayer := map[string]float64{}
	for c, s := range scores {
		if s <= 0 {
			continue
		}
		weightsByLayer[layerForCause(c)] += s
	}
	normalized := map[string]float64{}
	for layer, w := range weightsByLayer {
		normalized[layer] = w / sum
	}

	var excluded []string
	for _, l := range layerOrder {
		if _, ok := normalized[l]; !ok {
			excluded = append(excluded, l)
		}
	}

	attr.PrimaryCause = top
	attr.PrimaryLayer = layerForCause(top)
	attr.Confidence = scores[top] / sum
	attr.LayerBlameWeights = normalized
	attr.ExcludedLayers = excluded
	attr.SupportingSignals = signals

	if err := a.persist(attr); err != nil {
		return attr, err
	}
	return attr, nil
}

func (a *Attributor) persist(attr models.Attribution) error {
	data, err := json.Marshal(attr)
	if err != nil {
		return fmt.Errorf("attribution: marshal: %w", err)
	}
	if _, err := a.artifacts.Put(attributionKey(attr.RunID), data); err != nil {
		return err
	}
	_, err = a.artifacts.Put(latestKey(), data)
	return err
}

// Latest returns the most recently persisted Attribution, regardless of
// run_id, or absent=true if none has ever been written.
func (a *Attributor) Latest() (*models.Attribution, bool, error) {
	data, absent, err := a.artifacts.Get(latestKey())
	if err != nil || absent {
		return nil, absent, err
	}
	var out models.Attribution
	if err := json.Unmarshal(data, &out); err != nil {
		a.logger.Warn("attribution: malformed latest pointer, treating as absent", zap.Error(err))
		return nil, true, nil
	}
	return &out, false, nil
}

// Load returns the persisted Attribution for run_id, or absent=true if none.
func (a *Attributor) Load(runID string) (*models.Attribution, bool, error) {
	data, absent, err := a.artifacts.Get(attributionKey(runID))
	if err != nil || absent {
		return nil, absent, err
	}
	var out models.Attribution
	if err := json.Unmarshal(data, &out); err != nil {
		a.logger.Warn("attribution: malformed record, treating as absent", zap.String("run_id", runID), zap.Error(err))
		return nil, true, nil
	}
	return &out, false, nil
}
