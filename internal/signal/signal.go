// Package signal implements the Signal Collector (C3): given a completed
// run's RunRecord and Events, it deterministically builds the stable
// RunSignal contract downstream consumers (C4-C8) read, persists it into a
// bounded rolling file, and best-effort fans out to the secondary side
// effects (Working Memory, Attribution, KPI, Exploration). Fan-out hooks
// must never fail the run: every hook invocation is recover()-guarded and
// logged, not propagated.
package signal

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/hashutil"
	"github.com/kocoro-labs/policyloop/internal/models"
	"github.com/kocoro-labs/policyloop/internal/store"
)

// MaxRollingSignals bounds the rolling run_signals.json file to the N most
// recent signals, per spec.md §4.3 ("N≈10,000").
const MaxRollingSignals = 10000

const rollingKey = "run_signals.json"

// Hook is a best-effort secondary side effect invoked after a RunSignal is
// built. seenBefore reports whether the pattern signature existed already,
// letting a hook implement "new_pattern_failure"-style triggers.
type Hook func(signal models.RunSignal, seenBefore bool)

// Collector builds and persists RunSignals and dispatches hooks.
type Collector struct {
	artifacts *store.Store
	logger    *zap.Logger

	mu          sync.Mutex
	rolling     []models.RunSignal
	rollingLoad sync.Once

	hooksMu sync.RWMutex
	hooks   []Hook

	seenMu sync.Mutex
	seen   map[string]bool
}

// New constructs a Collector writing into artifacts.
func New(artifacts *store.Store, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		artifacts: artifacts,
		logger:    logger,
		seen:      make(map[string]bool),
	}
}

// RegisterHook adds a fan-out hook invoked (in registration order) after
// every RunSignal is built and persisted.
func (c *Collector) RegisterHook(h Hook) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, h)
}

// Build deterministically flattens a RunRecord+Events into a RunSignal.
// Identical inputs always produce a byte-identical RunSignal (modulo
// generated_at, which callers should exclude from any equality check that
// matters for determinism tests).
func Build(record models.RunRecord, events []models.Event) models.RunSignal {
	toolTotal := len(record.ToolCalls)
	toolSuccess := 0
	failureTypes := map[string]int{}
	for _, tc := range record.ToolCalls {
		if tc.Success {
			toolSuccess++
		} else if tc.FailureType != "" {
			failureTypes[tc.FailureType]++
		}
	}
	toolSuccessRate := 1.0
	if toolTotal > 0 {
		toolSuccessRate = float64(toolSuccess) / float64(toolTotal)
	}

	evidenceUsage := 0.0
	evidenceConflict := 0.0
	if record.Evidence.TotalCount > 0 {
		evidenceUsage = float64(record.Evidence.UsedCount) / float64(record.Evidence.TotalCount)
		evidenceConflict = float64(record.Evidence.ConflictCount) / float64(record.Evidence.TotalCount)
	}

	sig := models.RunSignal{
		SchemaVersion:        models.SchemaVersion,
		RunID:                record.RunID,
		PolicyID:             record.PolicyID,
		GeneratedAt:          models.Now(),
		RunSuccess:           record.Success,
		FinalState:           string(record.FinalState),
		ToolSuccessRate:      toolSuccessRate,
		FailureTypes:         failureTypes,
		RetrievalPolicyID:    record.Retrieval.PolicyID,
		NumDocs:              record.Retrieval.NumDocs,
		EvidenceUsageRate:    evidenceUsage,
		EvidenceConflictRate: evidenceConflict,
		PromptTemplateID:     record.Prompt.TemplateID,
		GenerationTokens:     record.Prompt.Tokens,
		GenerationLatencyMs:  record.Prompt.LatencyMs,
		GenerationCostUSD:    record.Prompt.CostUSD,
		PlannerMode:          record.PlannerMode,
		PlannerPath:          record.PlannerPath,
		PlanPathType:         string(record.PlanPathType),
		TotalCostUSD:         record.CostSummary.TotalUSD,
		LatencyMs:            record.LatencyMs,
	}

	sig.PatternSignature = PatternSignatureFor(record)
	sig.ToolSequenceSignature = toolSequenceSignature(record)
	return sig
}

// toolSequenceSignature hashes just the ordered tool-name sequence, used by
// the KPI Aggregator's "tools::{signature}" keyspace. Distinct from
// PatternSignatureFor, which also folds in planner/retrieval/prompt context.
func toolSequenceSignature(record models.RunRecord) string {
	toolSeq := make([]string, 0, len(record.ToolCalls))
	for _, tc := range record.ToolCalls {
		toolSeq = append(toolSeq, tc.ToolName)
	}
	return hashutil.InputsHash(toolSeq)
}

// PatternSignatureFor computes the deterministic pattern signature hash for
// a run: (tool sequence, planner choice, retrieval policy id, evidence
// count bucket, prompt template id).
func PatternSignatureFor(record models.RunRecord) string {
	toolSeq := make([]string, 0, len(record.ToolCalls))
	for _, tc := range record.ToolCalls {
		toolSeq = append(toolSeq, tc.ToolName)
	}
	ps := models.PatternSignature{
		ToolSequence:        toolSeq,
		PlannerChoice:       record.PlannerMode,
		RetrievalPolicyID:   record.Retrieval.PolicyID,
		EvidenceCountBucket: evidenceCountBucket(record.Evidence.TotalCount),
		PromptTemplateID:    record.Prompt.TemplateID,
	}
	return hashutil.InputsHash(ps)
}

func evidenceCountBucket(n int) string {
	switch {
	case n == 0:
		return "zero"
	case n <= 3:
		return "low"
	case n <= 10:
		return "medium"
	default:
		return "high"
	}
}

// OnRunCompleted builds the RunSignal for a completed run, persists it, and
// best-effort fans it out to registered hooks. It never returns an error to
// the caller for a hook failure; only a failure persisting the RunSignal
// itself is returned, and even that should be treated as advisory by the
// hot path per spec.md §5.
func (c *Collector) OnRunCompleted(record models.RunRecord, events []models.Event) (models.RunSignal, error) {
	sig := Build(record, events)

	seenBefore := c.markSeen(sig.PatternSignature)
	sig.PatternIsNew = !seenBefore

	if err := c.appendRolling(sig); err != nil {
		c.logger.Error("signal: failed to persist rolling signal", zap.String("run_id", sig.RunID), zap.Error(err))
		return sig, err
	}

	c.dispatch(sig, seenBefore)
	return sig, nil
}

func (c *Collector) markSeen(signature string) (seenBefore bool) {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	seenBefore = c.seen[signature]
	c.seen[signature] = true
	return seenBefore
}

func (c *Collector) dispatch(sig models.RunSignal, seenBefore bool) {
	c.hooksMu.RLock()
	hooks := append([]Hook(nil), c.hooks...)
	c.hooksMu.RUnlock()

	for i, h := range hooks {
		c.safeInvoke(i, h, sig, seenBefore)
	}
}

func (c *Collector) safeInvoke(idx int, h Hook, sig models.RunSignal, seenBefore bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("signal: hook panicked, swallowed",
				zap.Int("hook_index", idx),
				zap.String("run_id", sig.RunID),
				zap.Any("recovered", r),
			)
		}
	}()
	h(sig, seenBefore)
}

func (c *Collector) loadRollingLocked() {
	data, absent, err := c.artifacts.Get(rollingKey)
	if err != nil {
		c.logger.Warn("signal: failed loading rolling signals, starting empty", zap.Error(err))
		return
	}
	if absent {
		return
	}
	var out []models.RunSignal
	if err := json.Unmarshal(data, &out); err != nil {
		c.logger.Warn("signal: malformed rolling signals file, starting empty", zap.Error(err))
		return
	}
	c.rolling = out
}

func (c *Collector) appendRolling(sig models.RunSignal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rollingLoad.Do(c.loadRollingLocked)

	c.rolling = append(c.rolling, sig)
	if len(c.rolling) > MaxRollingSignals {
		c.rolling = c.rolling[len(c.rolling)-MaxRollingSignals:]
	}

	data, err := json.Marshal(c.rolling)
	if err != nil {
		return fmt.Errorf("signal: marshal rolling signals: %w", err)
	}
	_, err = c.artifacts.Put(rollingKey, data)
	return err
}

// Recent returns up to n most recent persisted RunSignals, most-recent
// last, used by the Learning Controller to assemble training datasets and
// by the Exploration Engine/KPI aggregator for recency-windowed reads.
func (c *Collector) Recent(n int) []models.RunSignal {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollingLoad.Do(c.loadRollingLocked)

	if n <= 0 || n >= len(c.rolling) {
		out := make([]models.RunSignal, len(c.rolling))
		copy(out, c.rolling)
		return out
	}
	out := make([]models.RunSignal, n)
	copy(out, c.rolling[len(c.rolling)-n:])
	return out
}
