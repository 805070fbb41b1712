// Package memory implements Working Memory (C4): a cross-run pattern table
// mapping PatternSignature hashes to PatternEntry statistics with time
// decay. All updates are totally ordered by a single mutex and the table is
// persisted to one snapshot file, fully rewritten atomically on each
// update. Working Memory exclusively owns PatternEntry on disk.
package memory

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/models"
	"github.com/kocoro-labs/policyloop/internal/store"
)

const snapshotKey = "working_memory.json"

// DefaultDecayFactor is applied to every entry's weight on each decay tick.
const DefaultDecayFactor = 0.95

// DefaultMaxPatterns bounds the table size before eviction kicks in.
const DefaultMaxPatterns = 50000

// Memory is the Working Memory table.
type Memory struct {
	artifacts   *store.Store
	logger      *zap.Logger
	decayFactor float64
	maxPatterns int

	mu      sync.Mutex
	entries map[string]*models.PatternEntry
}

// Option configures a Memory at construction.
type Option func(*Memory)

// WithDecayFactor overrides DefaultDecayFactor.
func WithDecayFactor(f float64) Option { return func(m *Memory) { m.decayFactor = f } }

// WithMaxPatterns overrides DefaultMaxPatterns.
func WithMaxPatterns(n int) Option { return func(m *Memory) { m.maxPatterns = n } }

// New constructs a Memory over artifacts, loading any existing snapshot.
func New(artifacts *store.Store, logger *zap.Logger, opts ...Option) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Memory{
		artifacts:   artifacts,
		logger:      logger,
		decayFactor: DefaultDecayFactor,
		maxPatterns: DefaultMaxPatterns,
		entries:     make(map[string]*models.PatternEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.load()
	return m
}

func (m *Memory) load() {
	data, absent, err := m.artifacts.Get(snapshotKey)
	if err != nil {
		m.logger.Warn("memory: failed loading snapshot, starting empty", zap.Error(err))
		return
	}
	if absent {
		return
	}
	var entries map[string]*models.PatternEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		m.logger.Warn("memory: malformed snapshot, starting empty", zap.Error(err))
		return
	}
	m.entries = entries
}

func (m *Memory) persistLocked() error {
	data, err := json.Marshal(m.entries)
	if err != nil {
		return fmt.Errorf("memory: marshal snapshot: %w", err)
	}
	_, err = m.artifacts.Put(snapshotKey, data)
	return err
}

// Record creates-or-updates the entry for signature: resets its decay
// weight to 1.0 and updates running averages via the moving-average
// formula avg_new = avg_old + (x - avg_old)/n.
func (m *Memory) Record(signature string, success bool, cost, latencyMs float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[signature]
	if !ok {
		m.evictIfNeededLocked()
		entry = &models.PatternEntry{
			Signature: signature,
			FirstSeen: models.Now(),
		}
		m.entries[signature] = entry
	}

	if success {
		entry.SuccessCount++
	} else {
		entry.FailureCount++
	}
	entry.N++
	n := float64(entry.N)
	entry.AvgCost += (cost - entry.AvgCost) / n
	entry.AvgLatencyMs += (latencyMs - entry.AvgLatencyMs) / n
	entry.DecayWeight = 1.0
	entry.LastSeen = models.Now()

	return m.persistLocked()
}

// evictIfNeededLocked drops the lowest-weight entries before inserting a
// new one, if the table is at capacity. Caller holds m.mu.
func (m *Memory) evictIfNeededLocked() {
	if len(m.entries) < m.maxPatterns {
		return
	}
	type kv struct {
		key    string
		weight float64
	}
	all := make([]kv, 0, len(m.entries))
	for k, v := range m.entries {
		all = append(all, kv{k, v.DecayWeight})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].weight < all[j].weight })

	toEvict := len(m.entries) - m.maxPatterns + 1
	for i := 0; i < toEvict && i < len(all); i++ {
		delete(m.entries, all[i].key)
	}
}

// Decay multiplies every entry's weight by the configured decay factor and
// evicts entries whose weight falls below threshold.
func (m *Memory) Decay(threshold float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sig, entry := range m.entries {
		entry.DecayWeight *= m.decayFactor
		if entry.DecayWeight < threshold {
			delete(m.entries, sig)
		}
	}
	return m.persistLocked()
}

// TopKSuccess returns the k entries maximizing success_rate * decay_weight.
func (m *Memory) TopKSuccess(k int) []models.PatternEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]models.PatternEntry, 0, len(m.entries))
	for _, v := range m.entries {
		all = append(all, *v)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].SuccessRate()*all[i].DecayWeight > all[j].SuccessRate()*all[j].DecayWeight
	})
	if k <= 0 || k > len(all) {
		k = len(all)
	}
	return all[:k]
}

// Get returns the entry for signature, and whether it exists.
func (m *Memory) Get(signature string) (models.PatternEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[signature]
	if !ok {
		return models.PatternEntry{}, false
	}
	return *e, true
}

// Len returns the current number of tracked patterns.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
