// Package exploration implements the Exploration Engine (C8): decides
// whether a completed run warrants exploring the policy space, and if so
// mutates a base StrategyGenome into one or more CandidatePolicies, respects
// the Failure Budget before spawning any of them, and — for the first
// candidate only, as a cost control — runs it through the Shadow Executor
// (C9) and Golden Replay regression (C10) before updating its registry
// status and computing a discovery reward.
package exploration

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/hashutil"
	"github.com/kocoro-labs/policyloop/internal/metrics"
	"github.com/kocoro-labs/policyloop/internal/models"
	"github.com/kocoro-labs/policyloop/internal/replay"
	"github.com/kocoro-labs/policyloop/internal/shadow"
	"github.com/kocoro-labs/policyloop/internal/store"
)

// Probe spend is the fixed cost of evaluating one exploration opportunity,
// charged against the Failure Budget before any candidate is generated.
const (
	ProbeFailureCost = 1
	ProbeCostUSD     = 0.1
	ProbeLatencyMs   = 500
)

// LowSuccessRateThreshold and other rule constants, per spec.md §4.8.
const LowSuccessRateThreshold = 0.8

// KPISource is the narrow read seam onto C6 this package needs.
type KPISource interface {
	GetPolicy(policyID string) (models.PolicyKPI, bool)
}

// Budget is the narrow seam onto C7 this package needs.
type Budget interface {
	CanSpend(ctx context.Context, failures int, costUSD, latencyMs float64) (bool, error)
	Spend(ctx context.Context, failures int, costUSD, latencyMs float64) error
	Snapshot(ctx context.Context) (models.FailureBudgetState, error)
}

// CandidatePool is the configured universe of ids mutation operators may
// draw from.
type CandidatePool struct {
	RetrievalPolicyIDs []string
	PromptTemplateIDs  []string
	ToolChainIDs       []string
}

// Config configures an Engine.
type Config struct {
	Enabled               bool
	MaxParallelCandidates int
	Pool                  CandidatePool
	RewardHistorySize     int
}

// DefaultConfig matches spec.md §8's illustrative defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		MaxParallelCandidates: 2,
		RewardHistorySize:     200,
	}
}

var spaceOperators = map[string][]string{
	"retrieval":  {"retrieval_switch"},
	"prompt":     {"prompt_variant"},
	"tool_combo": {"tool_swap", "param_perturb_top_k", "param_perturb_timeout"},
}

// Engine is the Exploration Engine (C8).
type Engine struct {
	artifacts *store.Store
	logger    *zap.Logger
	kpi       KPISource
	budget    Budget
	shadowX   *shadow.Executor
	replayE   *replay.Evaluator
	cfg       Config
	rewards   *RewardHistory
}

// New constructs an Engine.
func New(artifacts *store.Store, logger *zap.Logger, kpi KPISource, budget Budget, shadowX *shadow.Executor, replayE *replay.Evaluator, cfg Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxParallelCandidates <= 0 {
		cfg.MaxParallelCandidates = DefaultConfig().MaxParallelCandidates
	}
	size := cfg.RewardHistorySize
	if size <= 0 {
		size = DefaultConfig().RewardHistorySize
	}
	return &Engine{
		artifacts: artifacts,
		logger:    logger,
		kpi:       kpi,
		budget:    budget,
		shadowX:   shadowX,
		replayE:   replayE,
		cfg:       cfg,
		rewards:   NewRewardHistory(size),
	}
}

// RewardHistory returns the engine's bounded reward-trend ring buffer.
func (e *Engine) RewardHistory() *RewardHistory { return e.rewards }

func decisionKey(runID string) string { return "exploration/decisions/" + runID + ".json" }
func rewardKey(runID string) string   { return "exploration/rewards/" + runID + ".json" }
func candidateKey(candidateID string) string { return "candidates/" + candidateID + ".json" }

// OnRunCompleted is C8's entry point: decide, and if explore=true and the
// budget allows, spawn candidates and (for the first) run shadow+replay and
// compute a discovery reward.
func (e *Engine) OnRunCompleted(ctx context.Context, sig models.RunSignal, attr *models.Attribution) (models.ExplorationDecision, error) {
	decision := e.decide(sig, attr)

	if decision.Explore {
		ok, err := e.budget.CanSpend(ctx, ProbeFailureCost, ProbeCostUSD, ProbeLatencyMs)
		if err != nil {
			e.logger.Error("exploration: budget check failed", zap.Error(err))
			decision.Explore = false
		} else if !ok {
			decision.Explore = false
			decision.Trigger.ReasonCodes = append(decision.Trigger.ReasonCodes, "budget_exhausted")
			metrics.ExplorationCandidatesRejected.WithLabelValues("budget_hard_stop").Inc()
		}
	}

	if budgetState, err := e.budget.Snapshot(ctx); err == nil {
		decision.Budget = budgetState
	} else {
		e.logger.Warn("exploration: failed reading budget snapshot", zap.Error(err))
	}

	if decision.Explore {
		if err := e.budget.Spend(ctx, ProbeFailureCost, ProbeCostUSD, ProbeLatencyMs); err != nil {
			e.logger.Warn("exploration: probe spend failed, skipping candidate spawn", zap.Error(err))
			decision.Explore = false
		}
	}

	var candidates []models.CandidatePolicy
	if decision.Explore {
		count := decision.CandidateCount
		if count > e.cfg.MaxParallelCandidates {
			count = e.cfg.MaxParallelCandidates
			metrics.ExplorationCandidatesRejected.WithLabelValues("max_parallel_reached").Inc()
		}
		candidates = e.generateCandidates(sig, decision.TargetSpace, count)
		for _, c := range candidates {
			if err := e.persistCandidate(c); err != nil {
				e.logger.Error("exploration: failed persisting candidate", zap.String("candidate_id", c.CandidateID), zap.Error(err))
				continue
			}
			decision.CandidateIDs = append(decision.CandidateIDs, c.CandidateID)
			metrics.ExplorationCandidatesLaunched.Inc()
		}
	}

	decision.InputsHash = inputsHashFor(sig)
	decision.GeneratedAt = models.Now()

	if err := e.persistDecision(decision); err != nil {
		return decision, err
	}

	if len(candidates) > 0 {
		e.shadowAndReplay(ctx, sig, candidates[0], decision)
	}

	return decision, nil
}

func (e *Engine) decide(sig models.RunSignal, attr *models.Attribution) models.ExplorationDecision {
	var reasonCodes []string
	uncertainty := 0.0
	novelty := 0.0
	explore := false

	successRate := 1.0
	if e.kpi != nil {
		if kpi, ok := e.kpi.GetPolicy(sig.PolicyID); ok {
			successRate = kpi.SuccessRate
		}
	}
	if successRate < LowSuccessRateThreshold {
		explore = true
		reasonCodes = append(reasonCodes, "low_success_rate")
		uncertainty += LowSuccessRateThreshold - successRate
	}

	if sig.PatternIsNew && !sig.RunSuccess {
		explore = true
		reasonCodes = append(reasonCodes, "new_pattern_failure")
		novelty += 0.5
	}

	targetSpace := []string{"retrieval", "prompt", "tool_combo"}
	if attr != nil && attr.Failure {
		switch attr.PrimaryCause {
		case models.CauseRetrievalMiss:
			targetSpace = []string{"retrieval"}
		case models.CausePromptMismatch:
			targetSpace = []string{"prompt"}
		case models.CauseToolTimeout:
			targetSpace = []string{"tool_combo"}
		}
	}

	return models.ExplorationDecision{
		SchemaVersion:  models.SchemaVersion,
		RunID:          sig.RunID,
		Explore:        e.cfg.Enabled && explore,
		TargetSpace:    targetSpace,
		CandidateCount: 1,
		Trigger: models.ExplorationTrigger{
			ReasonCodes:      reasonCodes,
			UncertaintyScore: round3(uncertainty),
			NoveltyScore:     round3(novelty),
		},
	}
}

func (e *Engine) generateCandidates(sig models.RunSignal, targetSpace []string, count int) []models.CandidatePolicy {
	base := models.StrategyGenome{
		RetrievalPolicyID: orDefault(sig.RetrievalPolicyID, "basic_v1"),
		PromptTemplateID:  orDefault(sig.PromptTemplateID, "default_prompt"),
		ToolChainID:       orDefault(sig.PatternSignature, "tool_chain_default"),
		PlannerMode:       orDefault(sig.PlannerMode, "normal"),
		TopK:              10,
		ToolTimeoutMs:     1000,
	}

	var ops []string
	for _, space := range targetSpace {
		ops = append(ops, spaceOperators[space]...)
	}

	out := make([]models.CandidatePolicy, 0, count)
	for i := 0; i < count; i++ {
		rng := rand.New(rand.NewSource(seedFor(sig.RunID, i)))
		genome := base
		for _, op := range ops {
			genome = applyMutation(genome, op, e.cfg.Pool, rng)
		}
		id := uuid.NewString()
		out = append(out, models.CandidatePolicy{
			SchemaVersion:     models.SchemaVersion,
			CandidateID:       id,
			ParentID:          sig.PolicyID,
			Genome:            genome,
			MutationOperators: ops,
			InputsHash:        inputsHashFor(sig),
			EvaluationPlan: models.EvaluationPlan{
				ShadowRuns:       1,
				ReplaySuiteSize:  replay.DefaultSuiteSize,
				MinSuccessUplift: 0.0,
				MaxCostIncrease:  0.05,
			},
			Status:      models.CandidateGenerated,
			GeneratedAt: models.Now(),
		})
	}
	return out
}

func applyMutation(g models.StrategyGenome, op string, pool CandidatePool, rng *rand.Rand) models.StrategyGenome {
	switch op {
	case "retrieval_switch":
		if len(pool.RetrievalPolicyIDs) > 0 {
			g.RetrievalPolicyID = pool.RetrievalPolicyIDs[rng.Intn(len(pool.RetrievalPolicyIDs))]
		}
	case "prompt_variant":
		if len(pool.PromptTemplateIDs) > 0 {
			g.PromptTemplateID = pool.PromptTemplateIDs[rng.Intn(len(pool.PromptTemplateIDs))]
		}
	case "tool_swap":
		if len(pool.ToolChainIDs) > 0 {
			g.ToolChainID = pool.ToolChainIDs[rng.Intn(len(pool.ToolChainIDs))]
		}
	case "param_perturb_top_k":
		delta := rng.Intn(5) - 2 // -2..+2
		g.TopK += delta
		if g.TopK < 1 {
			g.TopK = 1
		}
	case "param_perturb_timeout":
		delta := rng.Intn(401) - 200 // -200..+200ms
		g.ToolTimeoutMs += delta
		if g.ToolTimeoutMs < 100 {
			g.ToolTimeoutMs = 100
		}
	}
	return g
}

func (e *Engine) persistCandidate(c models.CandidatePolicy) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("exploration: marshal candidate: %w", err)
	}
	_, err = e.artifacts.Put(candidateKey(c.CandidateID), data)
	return err
}

func (e *Engine) persistDecision(d models.ExplorationDecision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("exploration: marshal decision: %w", err)
	}
	_, err = e.artifacts.Put(decisionKey(d.RunID), data)
	return err
}

// shadowAndReplay runs the first candidate only through Shadow + Replay,
// updates its persisted status, computes the discovery reward, and records
// it into the reward history.
func (e *Engine) shadowAndReplay(ctx context.Context, sig models.RunSignal, cand models.CandidatePolicy, decision models.ExplorationDecision) {
	probe := func(ctx context.Context, payload interface{}) (shadow.RunOutcome, error) {
		return shadow.RunOutcome{
			Decision:          "active",
			Success:           sig.RunSuccess,
			CostUSD:           sig.TotalCostUSD,
			LatencyMs:         sig.LatencyMs,
			EvidenceUsageRate: sig.EvidenceUsageRate,
		}, nil
	}
	candidateProbe := func(ctx context.Context, payload interface{}) (shadow.RunOutcome, error) {
		return shadow.RunOutcome{
			Decision:          "candidate",
			Success:           sig.RunSuccess,
			CostUSD:           sig.TotalCostUSD,
			LatencyMs:         sig.LatencyMs,
			EvidenceUsageRate: sig.EvidenceUsageRate,
		}, nil
	}

	shadowRunID := sig.RunID + "_" + cand.CandidateID + "_shadow"
	result, err := e.shadowX.RunShadow(ctx, shadowRunID, sig, probe, candidateProbe)
	if err != nil {
		e.logger.Error("exploration: shadow run failed", zap.String("candidate_id", cand.CandidateID), zap.Error(err))
		return
	}

	suite := []replay.SuiteItem{{Input: sig, ExpectedSuccess: sig.RunSuccess}}
	replayRunner := func(ctx context.Context, payload interface{}) (replay.Outcome, error) {
		return replay.Outcome{Success: sig.RunSuccess, CostUSD: sig.TotalCostUSD, LatencyMs: sig.LatencyMs}, nil
	}
	verdict, err := e.replayE.Run(ctx, cand.CandidateID, suite, replayRunner, replay.DefaultThresholds())
	if err != nil {
		e.logger.Error("exploration: replay run failed", zap.String("candidate_id", cand.CandidateID), zap.Error(err))
		return
	}

	if verdict.PassRegression {
		cand.Status = models.CandidateShadowing
	} else {
		cand.Status = models.CandidateRejected
	}
	if err := e.persistCandidate(cand); err != nil {
		e.logger.Error("exploration: failed updating candidate status", zap.String("candidate_id", cand.CandidateID), zap.Error(err))
	}

	reward := e.computeReward(sig, cand, result, decision)
	data, err := json.Marshal(reward)
	if err != nil {
		e.logger.Error("exploration: marshal reward failed", zap.Error(err))
		return
	}
	if _, err := e.artifacts.Put(rewardKey(sig.RunID), data); err != nil {
		e.logger.Error("exploration: persist reward failed", zap.Error(err))
		return
	}
	e.rewards.Add(reward)
}

// computeReward implements spec.md §4.8's discovery reward formula, with
// coverage_gain and success_uplift resolved per SPEC_FULL.md's Open
// Question #5.
func (e *Engine) computeReward(sig models.RunSignal, cand models.CandidatePolicy, result models.ShadowResult, decision models.ExplorationDecision) models.RewardRecord {
	focusWeight := 1.0
	if len(decision.Trigger.ReasonCodes) > 0 {
		focusWeight = math.Max(decision.Trigger.UncertaintyScore, decision.Trigger.NoveltyScore)
		if focusWeight <= 0 {
			focusWeight = 1.0
		}
	}

	coverageGain := 0.0
	if sig.PatternIsNew {
		coverageGain = 0.5
	}

	successUplift := 0.0
	if e.kpi != nil {
		active, activeOK := e.kpi.GetPolicy(sig.PolicyID)
		candidateKPI, candOK := e.kpi.GetPolicy(cand.CandidateID)
		if activeOK && candOK {
			successUplift = candidateKPI.SuccessRate - active.SuccessRate
		}
	}

	divergence := 0.0
	if result.DecisionDivergence {
		divergence = 1.0
	}

	penalty := math.Max(0, result.CostDelta) + math.Max(0, result.LatencyDelta/3000)
	if sig.EvidenceUsageRate < 0.3 {
		penalty += 0.2
	}

	total := focusWeight * (0.5*divergence +
		0.5*math.Max(result.SuccessDelta, 0) +
		math.Max(0, 1-sig.EvidenceUsageRate) +
		coverageGain +
		math.Max(0, successUplift) -
		penalty)

	return models.RewardRecord{
		SchemaVersion:      models.SchemaVersion,
		RunID:              sig.RunID,
		CandidateID:        cand.CandidateID,
		FocusWeight:        focusWeight,
		DecisionDivergence: result.DecisionDivergence,
		SuccessDelta:       result.SuccessDelta,
		EvidenceUsageRate:  sig.EvidenceUsageRate,
		CoverageGain:       coverageGain,
		SuccessUplift:      successUplift,
		CostDelta:          result.CostDelta,
		LatencyDelta:       result.LatencyDelta,
		Penalty:            penalty,
		RewardTotal:        total,
		GeneratedAt:        models.Now(),
	}
}

func inputsHashFor(sig models.RunSignal) string {
	return hashutil.InputsHash(sig)
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func seedFor(runID string, idx int) int64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", runID, idx)))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// RewardHistory is a bounded ring buffer of recent RewardRecords, letting
// the Exploration Engine report a reward trend rather than just the latest
// value (SPEC_FULL.md §5's supplement over the distilled spec).
type RewardHistory struct {
	mu       sync.Mutex
	capacity int
	records  []models.RewardRecord
}

// NewRewardHistory constructs a RewardHistory bounded to capacity entries.
func NewRewardHistory(capacity int) *RewardHistory {
	if capacity <= 0 {
		capacity = DefaultConfig().RewardHistorySize
	}
	return &RewardHistory{capacity: capacity}
}

// Add appends rec, evicting the oldest entry if at capacity.
func (h *RewardHistory) Add(rec models.RewardRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	if len(h.records) > h.capacity {
		h.records = h.records[len(h.records)-h.capacity:]
	}
}

// Recent returns up to n most recent records, most-recent last.
func (h *RewardHistory) Recent(n int) []models.RewardRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n >= len(h.records) {
		out := make([]models.RewardRecord, len(h.records))
		copy(out, h.records)
		return out
	}
	out := make([]models.RewardRecord, n)
	copy(out, h.records[len(h.records)-n:])
	return out
}

// Trend compares the mean reward_total of the most recent half of the held
// records against the older half, returning their difference (positive
// means rewards are improving). Returns 0 with fewer than 2 records.
func (h *RewardHistory) Trend() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.records)
	if n < 2 {
		return 0
	}
	mid := n / 2
	older := mean(h.records[:mid])
	recent := mean(h.records[mid:])
	return recent - older
}

func mean(recs []models.RewardRecord) float64 {
	if len(recs) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range recs {
		sum += r.RewardTotal
	}
	return sum / float64(len(recs))
}
