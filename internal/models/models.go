// Package models defines the shared, immutable data records that flow
// through the policy evolution core. Every record carries a schema_version
// and is serialized as self-describing JSON; nothing in this package mutates
// a record once it has been constructed and written.
package models

import "time"

const (
	// SchemaVersion is the current semver-ish schema tag stamped on every
	// record this module writes. Bump on any field-shape change.
	SchemaVersion = "1.0.0"

	// TimeLayout is the fixed-width ISO-8601 UTC layout used for every
	// timestamp field, chosen so string comparisons stay lexicographically
	// safe per spec.
	TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Now returns the current UTC instant formatted per TimeLayout. Centralized
// so every writer stamps timestamps identically.
func Now() string {
	return time.Now().UTC().Format(TimeLayout)
}

// FinalState is the terminal state of an executed run.
type FinalState string

const (
	StateCompleted FinalState = "COMPLETED"
	StateFailed    FinalState = "FAILED"
	StatePaused    FinalState = "PAUSED"
	StateCancelled FinalState = "CANCELLED"
)

// PlanPathType describes which plan variant a run actually executed.
type PlanPathType string

const (
	PlanNormal   PlanPathType = "normal"
	PlanDegraded PlanPathType = "degraded"
	PlanMinimal  PlanPathType = "minimal"
)

// ToolCallSignal summarizes one tool invocation within a run.
type ToolCallSignal struct {
	ToolName    string  `json:"tool_name"`
	Success     bool    `json:"success"`
	FailureType string  `json:"failure_type,omitempty"` // TIMEOUT, PERMISSION, INVALID, ENV
	LatencyMs   float64 `json:"latency_ms"`
}

// RetrievalSignal summarizes the retrieval layer of a run.
type RetrievalSignal struct {
	PolicyID string `json:"policy_id"`
	NumDocs  int    `json:"num_docs"`
}

// EvidencePackSignal summarizes the evidence layer of a run.
type EvidencePackSignal struct {
	UsedCount     int `json:"used_count"`
	ConflictCount int `json:"conflict_count"`
	TotalCount    int `json:"total_count"`
}

// PromptSignal summarizes the generation/prompt layer of a run.
type PromptSignal struct {
	TemplateID string  `json:"template_id"`
	Tokens     int     `json:"tokens"`
	LatencyMs  float64 `json:"latency_ms"`
	CostUSD    float64 `json:"cost_usd"`
}

// CostSummary captures total and per-layer cost for a run.
type CostSummary struct {
	TotalUSD  float64            `json:"total_usd"`
	PerLayer  map[string]float64 `json:"per_layer,omitempty"`
}

// RunRecord is the durable, immutable record of one executed run.
type RunRecord struct {
	SchemaVersion string       `json:"schema_version"`
	RunID         string       `json:"run_id"`
	CreatedAt     string       `json:"created_at"`
	CompletedAt   string       `json:"completed_at"`
	FinalState    FinalState   `json:"final_state"`
	PolicyID      string       `json:"policy_id"`
	PlanID        string       `json:"plan_id"`
	PlanPathType  PlanPathType `json:"plan_path_type"`

	ToolCalls       []ToolCallSignal   `json:"tool_calls"`
	Retrieval       RetrievalSignal    `json:"retrieval"`
	Evidence        EvidencePackSignal `json:"evidence"`
	Prompt          PromptSignal       `json:"prompt"`
	PlannerMode     string             `json:"planner_mode,omitempty"`
	PlannerPath     []string           `json:"planner_path,omitempty"`

	CostSummary CostSummary `json:"cost_summary"`
	LatencyMs   float64     `json:"latency_ms"`
	Success     bool        `json:"success"`

	// Extras is a forward-compatible bag for fields not yet promoted to a
	// named column; never read by attribution/KPI logic directly.
	Extras map[string]interface{} `json:"extras,omitempty"`
}

// EventType enumerates the closed set of event kinds appended per run.
type EventType string

const (
	EventAgentReport        EventType = "agent_report"
	EventGovernanceDecision EventType = "governance_decision"
	EventPlanSwitch         EventType = "plan_switch"
	EventToolCall           EventType = "tool_call"
	EventStateChange        EventType = "state_change"
	EventCostUpdate         EventType = "cost_update"
	EventEvaluationFeedback EventType = "evaluation_feedback"
)

// Event is one append-only entry in a run's event log.
type Event struct {
	SchemaVersion string                 `json:"schema_version"`
	EventID       uint64                 `json:"event_id"`
	RunID         string                 `json:"run_id"`
	Timestamp     string                 `json:"timestamp"`
	Type          EventType              `json:"type"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	PayloadRef    string                 `json:"payload_ref,omitempty"`
}

// RunSignal is the stable, flattened view of a RunRecord+Events that every
// downstream consumer (C4-C8) reads. RunRecord layout may evolve; this may
// not, without a schema_version bump.
type RunSignal struct {
	SchemaVersion string `json:"schema_version"`
	RunID         string `json:"run_id"`
	PolicyID      string `json:"policy_id"`
	GeneratedAt   string `json:"generated_at"`

	RunSuccess bool   `json:"run_success"`
	FinalState string `json:"final_state"`

	ToolSuccessRate float64 `json:"tool_success_rate"`
	FailureTypes    map[string]int `json:"failure_types,omitempty"`

	RetrievalPolicyID  string  `json:"retrieval_policy_id"`
	NumDocs            int     `json:"num_docs"`
	EvidenceUsageRate  float64 `json:"evidence_usage_rate"`
	EvidenceConflictRate float64 `json:"evidence_conflict_rate"`

	PromptTemplateID string  `json:"prompt_template_id"`
	GenerationTokens int     `json:"generation_tokens"`
	GenerationLatencyMs float64 `json:"generation_latency_ms"`
	GenerationCostUSD float64 `json:"generation_cost_usd"`

	PlannerMode      string   `json:"planner_mode,omitempty"`
	PlannerPath      []string `json:"planner_path,omitempty"`
	PlanPathType     string   `json:"plan_path_type"`

	TotalCostUSD float64 `json:"total_cost_usd"`
	LatencyMs    float64 `json:"latency_ms"`

	PatternSignature       string `json:"pattern_signature"`
	PatternIsNew           bool   `json:"pattern_is_new"`
	ToolSequenceSignature  string `json:"tool_sequence_signature"`
}

// Cause is the closed enum of failure attribution causes.
type Cause string

const (
	CauseToolTimeout            Cause = "TOOL_TIMEOUT"
	CauseRetrievalMiss          Cause = "RETRIEVAL_MISS"
	CausePromptMismatch         Cause = "PROMPT_MISMATCH"
	CausePlannerError           Cause = "PLANNER_ERROR"
	CauseEvidenceInsufficient   Cause = "EVIDENCE_INSUFFICIENT"
	CauseGenerationHallucination Cause = "GENERATION_HALLUCINATION"
	CauseEnvironmentError       Cause = "ENVIRONMENT_ERROR"
	CauseUnknown                Cause = "UNKNOWN"
)

// Attribution assigns a primary cause and per-layer blame weights to a run.
type Attribution struct {
	SchemaVersion      string             `json:"schema_version"`
	RunID              string             `json:"run_id"`
	GeneratedAt        string             `json:"generated_at"`
	Failure            bool               `json:"failure"`
	PrimaryCause       Cause              `json:"primary_cause"`
	PrimaryLayer       string             `json:"primary_layer"`
	Confidence         float64            `json:"confidence"`
	LayerBlameWeights  map[string]float64 `json:"layer_blame_weights"`
	ExcludedLayers     []string           `json:"excluded_layers,omitempty"`
	SupportingSignals  map[string]interface{} `json:"supporting_signals,omitempty"`
}

// PatternSignature identifies a class of execution pattern.
type PatternSignature struct {
	ToolSequence       []string `json:"tool_sequence"`
	PlannerChoice      string   `json:"planner_choice"`
	RetrievalPolicyID  string   `json:"retrieval_policy_id"`
	EvidenceCountBucket string  `json:"evidence_count_bucket"`
	PromptTemplateID   string   `json:"prompt_template_id"`
}

// PatternEntry is one cross-run learning record in Working Memory.
type PatternEntry struct {
	Signature    string  `json:"signature"`
	SuccessCount int64   `json:"success_count"`
	FailureCount int64   `json:"failure_count"`
	FirstSeen    string  `json:"first_seen"`
	LastSeen     string  `json:"last_seen"`
	DecayWeight  float64 `json:"decay_weight"`
	AvgCost      float64 `json:"avg_cost"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	N            int64   `json:"n"`
}

// SuccessRate returns the entry's empirical success rate, or 0 if unseen.
func (p *PatternEntry) SuccessRate() float64 {
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(total)
}

// StrategyGenome is the tunable parameter vector defining a policy.
type StrategyGenome struct {
	RetrievalPolicyID string         `json:"retrieval_policy_id"`
	PromptTemplateID  string         `json:"prompt_template_id"`
	ToolChainID       string         `json:"tool_chain_id"`
	PlannerMode       string         `json:"planner_mode"`
	TopK              int            `json:"top_k"`
	ToolTimeoutMs     int            `json:"tool_timeout_ms"`
}

// CandidateStatus is the closed lifecycle enum for a CandidatePolicy.
type CandidateStatus string

const (
	CandidateGenerated CandidateStatus = "generated"
	CandidateShadowing CandidateStatus = "shadowing"
	CandidateRejected  CandidateStatus = "rejected"
	CandidatePassed    CandidateStatus = "passed"
	CandidateRolledOut CandidateStatus = "rolled_out"
)

// EvaluationPlan records the counts/thresholds a candidate will be judged by.
type EvaluationPlan struct {
	ShadowRuns        int     `json:"shadow_runs"`
	ReplaySuiteSize   int     `json:"replay_suite_size"`
	MinSuccessUplift  float64 `json:"min_success_uplift"`
	MaxCostIncrease   float64 `json:"max_cost_increase"`
}

// CandidatePolicy is a mutated genome awaiting evaluation.
type CandidatePolicy struct {
	SchemaVersion      string          `json:"schema_version"`
	CandidateID        string          `json:"candidate_id"`
	ParentID           string          `json:"parent_id"`
	Genome             StrategyGenome  `json:"genome"`
	MutationOperators  []string        `json:"mutation_operators"`
	InputsHash         string          `json:"inputs_hash"`
	EvaluationPlan     EvaluationPlan  `json:"evaluation_plan"`
	Status             CandidateStatus `json:"status"`
	GeneratedAt        string          `json:"generated_at"`
}

// PlanRule is one plan's aggregated statistics, used by plan_selection_rules.
type PlanRule struct {
	PlanID      string  `json:"plan_id"`
	SuccessRate float64 `json:"success_rate"`
	SampleCount int     `json:"sample_count"`
	AvgCostUSD  float64 `json:"avg_cost_usd"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// PlanSelectionRules is the trained plan-choice policy.
type PlanSelectionRules struct {
	PreferPlan    string     `json:"prefer_plan"`
	FallbackOrder []string   `json:"fallback_order"`
	Plans         []PlanRule `json:"plans"`
}

// Thresholds bounds a policy's acceptable cost/latency/failure envelope.
type Thresholds struct {
	MaxCostUSD           float64 `json:"max_cost_usd"`
	MaxLatencyMs         float64 `json:"max_latency_ms"`
	FailureRateTolerance float64 `json:"failure_rate_tolerance"`
}

// PolicyMetadata records provenance of a trained Policy.
type PolicyMetadata struct {
	SourceRuns int                    `json:"source_runs"`
	Statistics map[string]interface{} `json:"statistics,omitempty"`
}

// Policy is a released, versioned configuration. Once written it is never
// mutated; a new version supersedes it.
type Policy struct {
	SchemaVersion      string             `json:"schema_version"`
	PolicyVersion      int                `json:"policy_version"`
	PlanSelectionRules PlanSelectionRules `json:"plan_selection_rules"`
	Thresholds         Thresholds         `json:"thresholds"`
	Metadata           PolicyMetadata     `json:"metadata"`
	GeneratedAt        string             `json:"generated_at"`
}

// PolicyID returns the canonical identifier string for a policy version.
func (p *Policy) PolicyID() string {
	return PolicyIDFor(p.PolicyVersion)
}

// PolicyIDFor formats a policy_version into its canonical policy_id string.
func PolicyIDFor(version int) string {
	return "v" + itoa(version)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// PolicyKPI is the rolling-window metric record for one policy id.
type PolicyKPI struct {
	SchemaVersion      string             `json:"schema_version"`
	PolicyID           string             `json:"policy_id"`
	TotalRuns          int64              `json:"total_runs"`
	SuccessRate        float64            `json:"success_rate"`
	AvgCostUSD         float64            `json:"avg_cost_usd"`
	AvgLatencyMs       float64            `json:"avg_latency_ms"`
	P95LatencyMs       float64            `json:"p95_latency_ms"`
	EvidencePassRate   float64            `json:"evidence_pass_rate"`
	FailureRate        float64            `json:"failure_rate"`
	CauseDistribution  map[string]float64 `json:"cause_distribution,omitempty"`
	RegressionFlags    []string           `json:"regression_flags,omitempty"`
	UpdatedAt          string             `json:"updated_at"`
}

// RolloutStage is the closed enum of rollout state-machine stages.
type RolloutStage string

const (
	StageIdle     RolloutStage = "idle"
	StageCanary   RolloutStage = "canary"
	StagePartial  RolloutStage = "partial"
	StageFull     RolloutStage = "full"
	StageRollback RolloutStage = "rollback"
)

// RolloutState is the singleton record of the current active/candidate pair.
type RolloutState struct {
	SchemaVersion      string             `json:"schema_version"`
	ActivePolicy       string             `json:"active_policy"`
	CandidatePolicy    string             `json:"candidate_policy,omitempty"`
	Stage              RolloutStage       `json:"stage"`
	TrafficSplit       map[string]float64 `json:"traffic_split"`
	Thresholds         Thresholds         `json:"thresholds"`
	KPIWindow          int                `json:"kpi_window"`
	StartedAt          string             `json:"started_at,omitempty"`
	LastCheckedAt      string             `json:"last_checked_at,omitempty"`
	RollbackFromStage  RolloutStage       `json:"rollback_from_stage,omitempty"`
	RollbackFromSplit  map[string]float64 `json:"rollback_from_split,omitempty"`
	RollbackAt         string             `json:"rollback_at,omitempty"`
	PreviousActive     string             `json:"previous_active,omitempty"`
}

// ShadowResult is the outcome of one shadow run comparing active vs candidate.
type ShadowResult struct {
	SchemaVersion     string  `json:"schema_version"`
	RunID             string  `json:"run_id"`
	InputsHash        string  `json:"inputs_hash"`
	DecisionDivergence bool   `json:"decision_divergence"`
	CostDelta         float64 `json:"cost_delta"`
	LatencyDelta      float64 `json:"latency_delta"`
	SuccessDelta      float64 `json:"success_delta"`
	ActiveDecision    string  `json:"active_decision,omitempty"`
	CandidateDecision string  `json:"candidate_decision,omitempty"`
	GeneratedAt       string  `json:"generated_at"`
}

// RegressionVerdict is C10's output for one candidate evaluation.
type RegressionVerdict struct {
	SchemaVersion   string   `json:"schema_version"`
	CandidateID     string   `json:"candidate_id"`
	InputsHash      string   `json:"inputs_hash"`
	PassRegression  bool     `json:"pass_regression"`
	SafeToRollout   bool     `json:"safe_to_rollout"`
	BlockingReasons []string `json:"blocking_reasons,omitempty"`
	GeneratedAt     string   `json:"generated_at"`
}

// GateCheck is one named check's evaluation within a GateDecision.
type GateCheck struct {
	Name  string  `json:"name"`
	Pass  bool    `json:"pass"`
	Value float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// GateDecision is C11's pass/block decision with reasons.
type GateDecision struct {
	SchemaVersion  string             `json:"schema_version"`
	InputsHash     string             `json:"inputs_hash"`
	GatePass       bool               `json:"gate_pass"`
	Reasons        []string           `json:"reasons,omitempty"`
	BlockedReasons []string           `json:"blocked_reasons,omitempty"`
	Checks         []GateCheck        `json:"checks"`
	Thresholds     map[string]float64 `json:"thresholds"`
	GeneratedAt    string             `json:"generated_at"`
}

// FailureBudgetState is C7's rolling sandbox snapshot.
type FailureBudgetState struct {
	SchemaVersion        string  `json:"schema_version"`
	RemainingFailures    int     `json:"remaining_failures"`
	RemainingCostUSD     float64 `json:"remaining_cost_usd"`
	RemainingLatencyMs   float64 `json:"remaining_latency_ms"`
	SpentFailures        int     `json:"spent_failures"`
	SpentCostUSD         float64 `json:"spent_cost_usd"`
	SpentLatencyMs       float64 `json:"spent_latency_ms"`
	HardStop             bool    `json:"hard_stop"`
	LastStopReason       string  `json:"last_stop_reason,omitempty"`
	UpdatedAt            string  `json:"updated_at"`
}

// RunContext carries the stable identifiers available at the start of a run.
type RunContext struct {
	TaskID    string `json:"task_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// ExplorationTrigger records why a decision did or didn't fire.
type ExplorationTrigger struct {
	ReasonCodes     []string `json:"reason_codes,omitempty"`
	UncertaintyScore float64 `json:"uncertainty_score"`
	NoveltyScore    float64  `json:"novelty_score"`
}

// ExplorationDecision is C8's always-emitted output for one completed run.
type ExplorationDecision struct {
	SchemaVersion    string               `json:"schema_version"`
	RunID            string               `json:"run_id"`
	Explore          bool                 `json:"explore"`
	TargetSpace      []string             `json:"target_space"`
	CandidateCount   int                  `json:"candidate_count"`
	Trigger          ExplorationTrigger   `json:"trigger"`
	Budget           FailureBudgetState   `json:"budget"`
	CandidateIDs     []string             `json:"candidate_ids,omitempty"`
	InputsHash       string               `json:"inputs_hash"`
	GeneratedAt      string               `json:"generated_at"`
}

// RewardRecord is C8's discovery-reward output for the first spawned
// candidate of a decision, per spec.md §4.8's formula.
type RewardRecord struct {
	SchemaVersion      string  `json:"schema_version"`
	RunID              string  `json:"run_id"`
	CandidateID        string  `json:"candidate_id"`
	FocusWeight        float64 `json:"focus_weight"`
	DecisionDivergence bool    `json:"decision_divergence"`
	SuccessDelta       float64 `json:"success_delta"`
	EvidenceUsageRate  float64 `json:"evidence_usage_rate"`
	CoverageGain       float64 `json:"coverage_gain"`
	SuccessUplift      float64 `json:"success_uplift"`
	CostDelta          float64 `json:"cost_delta"`
	LatencyDelta       float64 `json:"latency_delta"`
	Penalty            float64 `json:"penalty"`
	RewardTotal        float64 `json:"reward_total"`
	GeneratedAt        string  `json:"generated_at"`
}
