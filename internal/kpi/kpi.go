// Package kpi implements the KPI Aggregator (C6): rolling per-key KPIs
// across the retrieval::{id}, prompt::{id}, tools::{signature}, and
// policy::{policy_version} keyspaces, with regression flags against a
// frozen baseline. The public output is a single policy_kpis snapshot
// overwritten atomically on each update; a separate internal state file
// carries the baselines the public snapshot doesn't need to expose.
package kpi

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/models"
	"github.com/kocoro-labs/policyloop/internal/store"
)

const (
	snapshotKey = "policy_kpis.json"
	stateKey    = "kpi_internal_state.json"
)

// DefaultBaselineSampleSize is the number of runs a key accumulates before
// its baseline (for regression comparison) is frozen.
const DefaultBaselineSampleSize = 20

// DefaultEvidencePassThreshold is the minimum per-run evidence_usage_rate
// required for a run to count toward evidence_pass_rate.
const DefaultEvidencePassThreshold = 0.5

func retrievalKey(id string) string { return "retrieval::" + id }
func promptKey(id string) string    { return "prompt::" + id }
func toolsKey(signature string) string { return "tools::" + signature }
func policyKey(id string) string    { return "policy::" + id }

// RecordInput is one completed run's contribution to every keyspace it
// touches. Built by the caller (typically a Signal Collector hook) from a
// RunSignal and its Attribution.
type RecordInput struct {
	RetrievalPolicyID     string
	PromptTemplateID      string
	ToolSequenceSignature string
	PolicyID              string

	Success           bool
	CostUSD           float64
	LatencyMs         float64
	EvidenceUsageRate float64
	PrimaryCause      models.Cause // "" if run succeeded
}

type internalEntry struct {
	KPI models.PolicyKPI `json:"kpi"`

	LatencySamples []float64 `json:"latency_samples"` // bounded window for p95

	BaselineLocked      bool    `json:"baseline_locked"`
	BaselineSuccessRate float64 `json:"baseline_success_rate"`
	BaselineAvgCostUSD  float64 `json:"baseline_avg_cost_usd"`
	BaselineAvgLatencyMs float64 `json:"baseline_avg_latency_ms"`

	EvidencePassCount int64            `json:"evidence_pass_count"`
	CauseCounts       map[string]int64 `json:"cause_counts,omitempty"`
}

const maxLatencySamples = 1000

// Aggregator owns the per-key KPI table.
type Aggregator struct {
	artifacts *store.Store
	logger    *zap.Logger

	baselineSampleSize    int64
	evidencePassThreshold float64

	mu      sync.Mutex
	entries map[string]*internalEntry
}

// Option configures an Aggregator at construction.
type Option func(*Aggregator)

// WithBaselineSampleSize overrides DefaultBaselineSampleSize.
func WithBaselineSampleSize(n int64) Option {
	return func(a *Aggregator) { a.baselineSampleSize = n }
}

// WithEvidencePassThreshold overrides DefaultEvidencePassThreshold.
func WithEvidencePassThreshold(t float64) Option {
	return func(a *Aggregator) { a.evidencePassThreshold = t }
}

// New constructs an Aggregator over artifacts, loading any existing state.
func New(artifacts *store.Store, logger *zap.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		artifacts:             artifacts,
		logger:                logger,
		baselineSampleSize:    DefaultBaselineSampleSize,
		evidencePassThreshold: DefaultEvidencePassThreshold,
		entries:               make(map[string]*internalEntry),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.load()
	return a
}

func (a *Aggregator) load() {
	data, absent, err := a.artifacts.Get(stateKey)
	if err != nil {
		a.logger.Warn("kpi: failed loading internal state, starting empty", zap.Error(err))
		return
	}
	if absent {
		return
	}
	var entries map[string]*internalEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		a.logger.Warn("kpi: malformed internal state, starting empty", zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.CauseCounts == nil {
			e.CauseCounts = make(map[string]int64)
		}
	}
	a.entries = entries
}

// Record updates every keyspace entry touched by in and persists both the
// internal state and the public policy_kpis snapshot.
func (a *Aggregator) Record(in RecordInput) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if in.RetrievalPolicyID != "" {
		a.updateLocked(retrievalKey(in.RetrievalPolicyID), in)
	}
	if in.PromptTemplateID != "" {
		a.updateLocked(promptKey(in.PromptTemplateID), in)
	}
	if in.ToolSequenceSignature != "" {
		a.updateLocked(toolsKey(in.ToolSequenceSignature), in)
	}
	if in.PolicyID != "" {
		a.updateLocked(policyKey(in.PolicyID), in)
	}

	return a.persistLocked()
}

func (a *Aggregator) updateLocked(key string, in RecordInput) {
	e, ok := a.entries[key]
	if !ok {
		e = &internalEntry{
			KPI:         models.PolicyKPI{SchemaVersion: models.SchemaVersion, PolicyID: key},
			CauseCounts: make(map[string]int64),
		}
		a.entries[key] = e
	}

	e.KPI.TotalRuns++
	n := float64(e.KPI.TotalRuns)

	successVal := 0.0
	if in.Success {
		successVal = 1.0
	} else {
		e.CauseCounts[string(in.PrimaryCause)]++
	}
	e.KPI.SuccessRate += (successVal - e.KPI.SuccessRate) / n
	e.KPI.FailureRate = 1 - e.KPI.SuccessRate
	e.KPI.AvgCostUSD += (in.CostUSD - e.KPI.AvgCostUSD) / n
	e.KPI.AvgLatencyMs += (in.LatencyMs - e.KPI.AvgLatencyMs) / n

	if in.EvidenceUsageRate >= a.evidencePassThreshold {
		e.EvidencePassCount++
	}
	e.KPI.EvidencePassRate = float64(e.EvidencePassCount) / n

	e.LatencySamples = append(e.LatencySamples, in.LatencyMs)
	if len(e.LatencySamples) > maxLatencySamples {
		e.LatencySamples = e.LatencySamples[len(e.LatencySamples)-maxLatencySamples:]
	}
	e.KPI.P95LatencyMs = percentile95(e.LatencySamples)

	if len(e.CauseCounts) > 0 {
		dist := make(map[string]float64, len(e.CauseCounts))
		for cause, count := range e.CauseCounts {
			if cause == "" {
				continue
			}
			dist[cause] = float64(count) / n
		}
		e.KPI.CauseDistribution = dist
	}

	if !e.BaselineLocked && e.KPI.TotalRuns >= a.baselineSampleSize {
		e.BaselineLocked = true
		e.BaselineSuccessRate = e.KPI.SuccessRate
		e.BaselineAvgCostUSD = e.KPI.AvgCostUSD
		e.BaselineAvgLatencyMs = e.KPI.AvgLatencyMs
	}

	e.KPI.RegressionFlags = regressionFlags(e)
	e.KPI.UpdatedAt = models.Now()
}

// regressionFlags compares the current rolling KPIs to the frozen baseline:
// success down 10%, latency up 20%, or cost up 20% each trigger a flag.
func regressionFlags(e *internalEntry) []string {
	if !e.BaselineLocked {
		return nil
	}
	var flags []string
	if e.BaselineSuccessRate > 0 && e.KPI.SuccessRate <= e.BaselineSuccessRate*0.9 {
		flags = append(flags, "success_regression")
	}
	if e.BaselineAvgLatencyMs > 0 && e.KPI.AvgLatencyMs >= e.BaselineAvgLatencyMs*1.2 {
		flags = append(flags, "latency_regression")
	}
	if e.BaselineAvgCostUSD > 0 && e.KPI.AvgCostUSD >= e.BaselineAvgCostUSD*1.2 {
		flags = append(flags, "cost_regression")
	}
	return flags
}

func percentile95(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)-1) * 0.95)
	return sorted[idx]
}

func (a *Aggregator) persistLocked() error {
	stateData, err := json.Marshal(a.entries)
	if err != nil {
		return fmt.Errorf("kpi: marshal internal state: %w", err)
	}
	if _, err := a.artifacts.Put(stateKey, stateData); err != nil {
		return err
	}

	public := make(map[string]models.PolicyKPI, len(a.entries))
	for k, e := range a.entries {
		public[k] = e.KPI
	}
	snapData, err := json.Marshal(public)
	if err != nil {
		return fmt.Errorf("kpi: marshal snapshot: %w", err)
	}
	_, err = a.artifacts.Put(snapshotKey, snapData)
	return err
}

// Get returns the current PolicyKPI for key, or absent=true if unseen.
func (a *Aggregator) Get(key string) (models.PolicyKPI, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[key]
	if !ok {
		return models.PolicyKPI{}, false
	}
	return e.KPI, true
}

// GetPolicy returns the KPI for policy::{policyID}.
func (a *Aggregator) GetPolicy(policyID string) (models.PolicyKPI, bool) {
	return a.Get(policyKey(policyID))
}

// RetrievalSuccessRate implements attribution.HistoricalStats.
func (a *Aggregator) RetrievalSuccessRate(id string) (float64, bool) {
	k, ok := a.Get(retrievalKey(id))
	if !ok {
		return 0, false
	}
	return k.SuccessRate, true
}

// PromptSuccessRate implements attribution.HistoricalStats.
func (a *Aggregator) PromptSuccessRate(id string) (float64, bool) {
	k, ok := a.Get(promptKey(id))
	if !ok {
		return 0, false
	}
	return k.SuccessRate, true
}

// PatternSuccessRate implements attribution.HistoricalStats over the
// tools::{signature} keyspace: a tool-sequence signature is this
// aggregator's notion of a "pattern".
func (a *Aggregator) PatternSuccessRate(signature string) (float64, bool) {
	k, ok := a.Get(toolsKey(signature))
	if !ok {
		return 0, false
	}
	return k.SuccessRate, true
}
