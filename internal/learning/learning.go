// Package learning implements the Learning Controller (C15): the top-level
// orchestrator invoked after run completion. If a rollout is already in
// progress it only drives the Rollout Manager's periodic tick; otherwise it
// decides whether to train a new Policy from recent RunSignals, evaluates
// the candidate through the A/B Gate in aggregate mode, and either starts a
// canary or records why it was blocked. Every step is best-effort: nothing
// here may propagate a failure to the run path that triggered it.
package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/audit"
	"github.com/kocoro-labs/policyloop/internal/gate"
	"github.com/kocoro-labs/policyloop/internal/models"
	"github.com/kocoro-labs/policyloop/internal/store"
)

// smallSampleSize is the cutover point between the percentile-based and
// max-based threshold formulas in trainPolicy.
const smallSampleSize = 10

// SignalSource is the narrow read seam onto the Signal Collector (C3).
type SignalSource interface {
	Recent(n int) []models.RunSignal
}

// KPISource is the narrow read seam onto the KPI Aggregator (C6), used to
// look up the active policy's live KPIs for the aggregate shadow report.
type KPISource interface {
	GetPolicy(policyID string) (models.PolicyKPI, bool)
}

// RolloutController is the narrow seam onto the Rollout Manager (C13) this
// package drives. The Controller is the only caller of
// CheckAndMaybeAdvanceOrRollback. It is not the only writer of RolloutState:
// the admin API's start_canary handler also calls StartCanary, and its
// advance_stage, rollback and reset_to_idle endpoints write the state too.
type RolloutController interface {
	Load(ctx context.Context) (models.RolloutState, bool, error)
	CheckAndMaybeAdvanceOrRollback(ctx context.Context) (models.RolloutState, string, error)
	StartCanary(ctx context.Context, active, candidate string) (models.RolloutState, error)
}

// Config tunes the train-or-skip triggers and sampling sizes.
type Config struct {
	MinRuns                int
	MaxFailureRate         float64
	MinRunsBetweenTraining int
	MaxTrainExamples       int
	// AggregateSampleSize is N, the number of most-recent runs simulated
	// under both the active and candidate policy for the shadow report.
	AggregateSampleSize int
}

// DefaultConfig matches spec.md §8's illustrative defaults.
func DefaultConfig() Config {
	return Config{
		MinRuns:                500,
		MaxFailureRate:         0.15,
		MinRunsBetweenTraining: 1000,
		MaxTrainExamples:       5000,
		AggregateSampleSize:    200,
	}
}

// Result summarizes what a Tick did, for callers that want to log or test it.
type Result struct {
	Action        string // rollout_tick | skip | trained | blocked | error
	Reason        string
	RolloutAction string // set when Action == rollout_tick
	PolicyVersion int    // set when Action == trained | blocked
	GatePass      bool
}

// trainingMetadata tracks training cadence across Tick invocations.
type trainingMetadata struct {
	SchemaVersion          string `json:"schema_version"`
	LastTrainedAt          string `json:"last_trained_at"`
	RunCountAtLastTraining int    `json:"run_count_at_last_training"`
	TrainingCount          int    `json:"training_count"`
	LastPolicyVersion      int    `json:"last_policy_version"`
}

const trainingMetadataKey = "policies/training_metadata.json"

func policyKeyFor(version int) string {
	return fmt.Sprintf("policies/policy_%d.json", version)
}

// Controller is the Learning Controller.
type Controller struct {
	artifacts      *store.Store
	audit          *audit.Writer
	logger         *zap.Logger
	signals        SignalSource
	kpi            KPISource
	rollout        RolloutController
	gateEngine     *gate.Engine
	gateThresholds gate.Thresholds
	cfg            Config

	mu sync.Mutex
}

// New constructs a Controller.
func New(artifacts *store.Store, auditW *audit.Writer, logger *zap.Logger, signals SignalSource, kpi KPISource, rolloutCtl RolloutController, gateEngine *gate.Engine, cfg Config) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		artifacts:      artifacts,
		audit:          auditW,
		logger:         logger,
		signals:        signals,
		kpi:            kpi,
		rollout:        rolloutCtl,
		gateEngine:     gateEngine,
		gateThresholds: gate.DefaultThresholds(),
		cfg:            cfg,
	}
}

// LatestPolicyID implements rollout.PolicySource, resolving the most
// recently trained policy version for an administrative reset_to_idle.
func (c *Controller) LatestPolicyID(ctx context.Context) (string, bool, error) {
	p, ok, err := c.loadLatestPolicy()
	if err != nil || !ok {
		return "", false, err
	}
	return p.PolicyID(), true, nil
}

// Tick is the Learning Controller's single entry point, invoked after run
// completion (directly, or via a scheduled poll — both are valid per
// spec.md's control-path model). It never returns an error to the caller;
// failures are logged and folded into the Result instead, since a learning
// failure must never affect the run that triggered it.
func (c *Controller) Tick(ctx context.Context) (result Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("learning: recovered from panic", zap.Any("panic", r))
			result = Result{Action: "error", Reason: fmt.Sprintf("panic: %v", r)}
			err = nil
		}
	}()

	state, found, loadErr := c.rollout.Load(ctx)
	if loadErr != nil {
		c.logger.Warn("learning: failed loading rollout state", zap.Error(loadErr))
	}
	if found && (state.Stage == models.StageCanary || state.Stage == models.StagePartial) {
		return c.tickRollout(ctx), nil
	}

	signals := c.signals.Recent(0)
	totalRuns := len(signals)
	failureRate := computeFailureRate(signals)

	meta, metaErr := c.loadTrainingMetadata()
	if metaErr != nil {
		c.logger.Warn("learning: failed loading training metadata", zap.Error(metaErr))
	}
	runsSinceLastTraining := totalRuns - meta.RunCountAtLastTraining

	triggerMain := totalRuns >= c.cfg.MinRuns && failureRate > c.cfg.MaxFailureRate
	triggerCadence := runsSinceLastTraining >= c.cfg.MinRunsBetweenTraining
	if !triggerMain && !triggerCadence {
		c.writeAudit("skip", map[string]interface{}{"reason": "no_trigger", "total_runs": totalRuns, "failure_rate": failureRate})
		return Result{Action: "skip", Reason: "no_trigger"}, nil
	}

	examples := signals
	if len(examples) > c.cfg.MaxTrainExamples {
		examples = examples[len(examples)-c.cfg.MaxTrainExamples:]
	}
	if len(examples) == 0 {
		c.writeAudit("skip", map[string]interface{}{"reason": "no_examples"})
		return Result{Action: "skip", Reason: "no_examples"}, nil
	}

	return c.trainAndMaybeRollout(ctx, state, examples, totalRuns, meta), nil
}

func (c *Controller) tickRollout(ctx context.Context) Result {
	newState, action, tickErr := c.rollout.CheckAndMaybeAdvanceOrRollback(ctx)
	if tickErr != nil {
		c.logger.Warn("learning: rollout tick failed", zap.Error(tickErr))
		return Result{Action: "rollout_tick", Reason: tickErr.Error()}
	}
	c.writeAudit("rollout_tick", map[string]interface{}{"rollout_action": action, "stage": string(newState.Stage)})
	return Result{Action: "rollout_tick", RolloutAction: action}
}

func (c *Controller) trainAndMaybeRollout(ctx context.Context, state models.RolloutState, examples []models.RunSignal, totalRuns int, meta trainingMetadata) Result {
	basePolicy, haveBase, baseErr := c.loadLatestPolicy()
	if baseErr != nil {
		c.logger.Warn("learning: failed loading base policy", zap.Error(baseErr))
	}
	candidate := trainPolicy(examples, basePolicy, haveBase, meta.LastPolicyVersion+1)

	activePolicyID := state.ActivePolicy
	if activePolicyID == "" && haveBase {
		activePolicyID = basePolicy.PolicyID()
	}
	if candidate.PolicyVersion == parsePolicyVersion(activePolicyID) {
		c.writeAudit("skip", map[string]interface{}{"reason": "candidate_same_as_active", "policy_version": candidate.PolicyVersion})
		return Result{Action: "skip", Reason: "candidate_same_as_active"}
	}

	if err := c.persistPolicy(candidate); err != nil {
		c.logger.Error("learning: failed persisting trained policy", zap.Error(err))
		return Result{Action: "skip", Reason: "persist_failed"}
	}
	meta.LastTrainedAt = models.Now()
	meta.RunCountAtLastTraining = totalRuns
	meta.TrainingCount++
	meta.LastPolicyVersion = candidate.PolicyVersion
	if err := c.saveTrainingMetadata(meta); err != nil {
		c.logger.Warn("learning: failed saving training metadata", zap.Error(err))
	}

	candidateID := candidate.PolicyID()
	report := c.buildShadowEvalReport(activePolicyID, examples, candidate.PlanSelectionRules.PreferPlan)
	decision, gateErr := c.gateEngine.Evaluate(ctx, report, c.gateThresholds)
	if gateErr != nil {
		c.logger.Error("learning: gate evaluation failed", zap.Error(gateErr))
		c.writeAudit("trained", map[string]interface{}{"policy_version": candidate.PolicyVersion, "gate_error": gateErr.Error()})
		return Result{Action: "trained", PolicyVersion: candidate.PolicyVersion, Reason: "gate_error"}
	}

	if !decision.GatePass {
		c.writeAudit("blocked", map[string]interface{}{"policy_version": candidate.PolicyVersion, "blocked_reasons": decision.BlockedReasons})
		return Result{Action: "blocked", PolicyVersion: candidate.PolicyVersion, Reason: "gate_blocked"}
	}

	if _, startErr := c.rollout.StartCanary(ctx, activePolicyID, candidateID); startErr != nil {
		c.logger.Warn("learning: start_canary failed", zap.Error(startErr))
		c.writeAudit("trained", map[string]interface{}{"policy_version": candidate.PolicyVersion, "gate_pass": true, "start_canary_error": startErr.Error()})
		return Result{Action: "trained", PolicyVersion: candidate.PolicyVersion, GatePass: true, Reason: "start_canary_failed"}
	}
	c.writeAudit("trained", map[string]interface{}{"policy_version": candidate.PolicyVersion, "gate_pass": true, "reasons": decision.Reasons})
	return Result{Action: "trained", PolicyVersion: candidate.PolicyVersion, GatePass: true}
}

// buildShadowEvalReport approximates C9's aggregate mode: there is no live
// candidate executor to replay runs against, so the candidate's predicted
// metrics are read off the subset of recent signals whose plan_path_type
// already matches the candidate's prefer_plan (the same known-simplification
// C8's shadow probes make for lack of a live candidate executor). Falls back
// to the full sample when too few runs match.
func (c *Controller) buildShadowEvalReport(activePolicyID string, examples []models.RunSignal, preferPlan string) gate.ShadowEvalReport {
	sample := examples
	if len(sample) > c.cfg.AggregateSampleSize {
		sample = sample[len(sample)-c.cfg.AggregateSampleSize:]
	}

	active := aggregateFromSignals(sample)
	if c.kpi != nil {
		if kpi, ok := c.kpi.GetPolicy(activePolicyID); ok {
			active = gate.PolicyMetrics{
				SuccessRate:      kpi.SuccessRate,
				AvgCostUSD:       kpi.AvgCostUSD,
				P95LatencyMs:     kpi.P95LatencyMs,
				EvidencePassRate: kpi.EvidencePassRate,
			}
		}
	}

	matching := make([]models.RunSignal, 0, len(sample))
	for _, s := range sample {
		if s.PlanPathType == preferPlan {
			matching = append(matching, s)
		}
	}
	candidate := aggregateFromSignals(sample)
	if len(matching) >= 3 {
		candidate = aggregateFromSignals(matching)
	}

	return gate.ShadowEvalReport{Active: active, Candidate: candidate}
}

func aggregateFromSignals(sample []models.RunSignal) gate.PolicyMetrics {
	if len(sample) == 0 {
		return gate.PolicyMetrics{}
	}
	var successes int
	var costSum, evidenceSum float64
	latencies := make([]float64, 0, len(sample))
	for _, s := range sample {
		if s.RunSuccess {
			successes++
		}
		costSum += s.TotalCostUSD
		evidenceSum += s.EvidenceUsageRate
		latencies = append(latencies, s.LatencyMs)
	}
	sort.Float64s(latencies)
	n := float64(len(sample))
	return gate.PolicyMetrics{
		SuccessRate:      float64(successes) / n,
		AvgCostUSD:       costSum / n,
		P95LatencyMs:     percentile(latencies, 0.95),
		EvidencePassRate: evidenceSum / n,
	}
}

func computeFailureRate(signals []models.RunSignal) float64 {
	if len(signals) == 0 {
		return 0
	}
	failures := 0
	for _, s := range signals {
		if !s.RunSuccess {
			failures++
		}
	}
	return float64(failures) / float64(len(signals))
}

// trainPolicy implements spec.md §4.15.1's rules-based trainer. It is a pure
// function of its inputs so it can be tested without a Controller.
func trainPolicy(examples []models.RunSignal, base models.Policy, haveBase bool, version int) models.Policy {
	rules := buildPlanRules(examples)
	prefer := preferPlan(rules)
	order := fallbackOrder(rules)

	costs := make([]float64, 0, len(examples))
	latencies := make([]float64, 0, len(examples))
	for _, e := range examples {
		costs = append(costs, e.TotalCostUSD)
		latencies = append(latencies, e.LatencyMs)
	}

	th := models.Thresholds{
		MaxCostUSD:           percentileThreshold(costs),
		MaxLatencyMs:         percentileThreshold(latencies),
		FailureRateTolerance: math.Min(computeFailureRate(examples)*1.5, 0.3),
	}
	if haveBase {
		th.MaxCostUSD = 0.7*th.MaxCostUSD + 0.3*base.Thresholds.MaxCostUSD
		th.MaxLatencyMs = 0.7*th.MaxLatencyMs + 0.3*base.Thresholds.MaxLatencyMs
		th.FailureRateTolerance = 0.7*th.FailureRateTolerance + 0.3*base.Thresholds.FailureRateTolerance
	}

	return models.Policy{
		SchemaVersion: models.SchemaVersion,
		PolicyVersion: version,
		PlanSelectionRules: models.PlanSelectionRules{
			PreferPlan:    prefer,
			FallbackOrder: order,
			Plans:         rules,
		},
		Thresholds:  th,
		Metadata:    models.PolicyMetadata{SourceRuns: len(examples)},
		GeneratedAt: models.Now(),
	}
}

type planAgg struct {
	count               int
	successes           int
	costSum, latencySum float64
}

func buildPlanRules(examples []models.RunSignal) []models.PlanRule {
	byPlan := map[string]*planAgg{}
	order := make([]string, 0)
	for _, e := range examples {
		planID := e.PlanPathType
		if planID == "" {
			planID = string(models.PlanNormal)
		}
		a, ok := byPlan[planID]
		if !ok {
			a = &planAgg{}
			byPlan[planID] = a
			order = append(order, planID)
		}
		a.count++
		if e.RunSuccess {
			a.successes++
		}
		a.costSum += e.TotalCostUSD
		a.latencySum += e.LatencyMs
	}

	rules := make([]models.PlanRule, 0, len(byPlan))
	for _, planID := range order {
		a := byPlan[planID]
		rules = append(rules, models.PlanRule{
			PlanID:       planID,
			SuccessRate:  round3(float64(a.successes) / float64(a.count)),
			SampleCount:  a.count,
			AvgCostUSD:   round3(a.costSum / float64(a.count)),
			AvgLatencyMs: round3(a.latencySum / float64(a.count)),
		})
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].SuccessRate > rules[j].SuccessRate })
	return rules
}

func preferPlan(rules []models.PlanRule) string {
	for _, r := range rules {
		if r.SampleCount >= 3 {
			return r.PlanID
		}
	}
	return string(models.PlanNormal)
}

func fallbackOrder(rules []models.PlanRule) []string {
	order := make([]string, 0, len(rules)+3)
	seen := map[string]bool{}
	for _, r := range rules {
		order = append(order, r.PlanID)
		seen[r.PlanID] = true
	}
	for _, d := range []string{string(models.PlanNormal), string(models.PlanDegraded), string(models.PlanMinimal)} {
		if !seen[d] {
			order = append(order, d)
		}
	}
	return order
}

func percentileThreshold(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) < smallSampleSize {
		return sorted[len(sorted)-1] * 1.2
	}
	return percentile(sorted, 0.9) * 1.5
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}

func parsePolicyVersion(policyID string) int {
	v, err := strconv.Atoi(strings.TrimPrefix(policyID, "v"))
	if err != nil {
		return 0
	}
	return v
}

func (c *Controller) loadLatestPolicy() (models.Policy, bool, error) {
	meta, err := c.loadTrainingMetadata()
	if err != nil || meta.LastPolicyVersion == 0 {
		return models.Policy{}, false, err
	}
	data, absent, err := c.artifacts.Get(policyKeyFor(meta.LastPolicyVersion))
	if err != nil {
		return models.Policy{}, false, fmt.Errorf("learning: load policy: %w", err)
	}
	if absent {
		return models.Policy{}, false, nil
	}
	var p models.Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return models.Policy{}, false, fmt.Errorf("learning: unmarshal policy: %w", err)
	}
	return p, true, nil
}

func (c *Controller) persistPolicy(p models.Policy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("learning: marshal policy: %w", err)
	}
	if _, err := c.artifacts.Put(policyKeyFor(p.PolicyVersion), data); err != nil {
		return fmt.Errorf("learning: persist policy: %w", err)
	}
	return nil
}

func (c *Controller) loadTrainingMetadata() (trainingMetadata, error) {
	data, absent, err := c.artifacts.Get(trainingMetadataKey)
	if err != nil {
		return trainingMetadata{}, fmt.Errorf("learning: load training metadata: %w", err)
	}
	if absent {
		return trainingMetadata{}, nil
	}
	var meta trainingMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return trainingMetadata{}, fmt.Errorf("learning: unmarshal training metadata: %w", err)
	}
	return meta, nil
}

func (c *Controller) saveTrainingMetadata(meta trainingMetadata) error {
	meta.SchemaVersion = models.SchemaVersion
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("learning: marshal training metadata: %w", err)
	}
	if _, err := c.artifacts.Put(trainingMetadataKey, data); err != nil {
		return fmt.Errorf("learning: persist training metadata: %w", err)
	}
	return nil
}

func (c *Controller) writeAudit(action string, fields map[string]interface{}) {
	if c.audit == nil {
		return
	}
	entry := audit.Entry{Action: action, Fields: fields, Timestamp: models.Now()}
	if err := c.audit.Write(entry); err != nil {
		c.logger.Warn("learning: failed writing audit entry", zap.Error(err))
	}
}
