// Package trace implements the Trace Store (C2): a layered read/write view
// over the Artifact Store providing per-run summaries, an append-only event
// log with cursor-based iteration, large-payload blobs, and a secondary
// index for query. Trace Store exclusively owns RunRecord, Event, and blob
// keys on disk.
package trace

import (
	"bufio"
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/metrics"
	"github.com/kocoro-labs/policyloop/internal/models"
	"github.com/kocoro-labs/policyloop/internal/store"
)

// TraceSummary is the per-run_id summary record.
type TraceSummary struct {
	SchemaVersion string              `json:"schema_version"`
	RunID         string              `json:"run_id"`
	PolicyID      string              `json:"policy_id"`
	FinalState    models.FinalState   `json:"final_state"`
	TotalCostUSD  float64             `json:"total_cost_usd"`
	LatencyMs     float64             `json:"latency_ms"`
	CompletedAt   string              `json:"completed_at"`
}

// Store is the Trace Store: Summaries + Events + Blobs + secondary index,
// layered on top of an Artifact Store.
type Store struct {
	artifacts *store.Store
	logger    *zap.Logger

	mu        sync.Mutex
	cursors   map[string]uint64 // run_id -> last assigned event_id
	db        *sql.DB           // secondary index, nil if disabled
}

// New constructs a Trace Store over artifacts. If indexPath is non-empty, a
// sqlite-backed secondary index is opened (or created) there; the index is
// a derived, rebuildable cache over the jsonl index that is the true source
// of truth, so a missing/corrupt sqlite file is never fatal.
func New(artifacts *store.Store, indexPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		artifacts: artifacts,
		logger:    logger,
		cursors:   make(map[string]uint64),
	}
	if indexPath != "" {
		db, err := sql.Open("sqlite3", indexPath)
		if err != nil {
			logger.Warn("trace: secondary index unavailable, queries will be unindexed", zap.Error(err))
		} else if err := initIndexSchema(db); err != nil {
			logger.Warn("trace: secondary index schema init failed", zap.Error(err))
			db.Close()
		} else {
			s.db = db
		}
	}
	return s, nil
}

func initIndexSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS run_index (
			run_id TEXT PRIMARY KEY,
			time_bucket TEXT NOT NULL,
			final_state TEXT NOT NULL,
			failure_type TEXT NOT NULL DEFAULT '',
			cost_bucket TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_run_index_keys
			ON run_index(time_bucket, final_state, failure_type, cost_bucket);
	`)
	return err
}

// Close releases the secondary index handle, if any.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func summaryKey(runID string) string { return "trace_store/summaries/" + runID + ".json" }
func eventsKey(runID string) string  { return "trace_store/events/" + runID + ".jsonl" }
func blobKey(runID, blobID string) string {
	return "trace_store/blobs/" + runID + "_" + blobID + ".json"
}

// SaveSummary writes the TraceSummary for a run.
func (s *Store) SaveSummary(summary TraceSummary) error {
	summary.SchemaVersion = models.SchemaVersion
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("trace: marshal summary: %w", err)
	}
	if _, err := s.artifacts.Put(summaryKey(summary.RunID), data); err != nil {
		return err
	}
	metrics.TraceSummariesSaved.Inc()
	return nil
}

// LoadSummary reads the TraceSummary for run_id. A missing summary returns
// absent=true, never an error.
func (s *Store) LoadSummary(runID string) (*TraceSummary, bool, error) {
	data, absent, err := s.artifacts.Get(summaryKey(runID))
	if err != nil || absent {
		return nil, absent, err
	}
	var out TraceSummary
	if err := json.Unmarshal(data, &out); err != nil {
		s.logger.Warn("trace: malformed summary, treating as absent", zap.String("run_id", runID), zap.Error(err))
		return nil, true, nil
	}
	return &out, false, nil
}

// AppendEvent assigns the next monotone event_id for run_id and appends the
// event to its log.
func (s *Store) AppendEvent(runID string, ev models.Event) (models.Event, error) {
	s.mu.Lock()
	if _, seen := s.cursors[runID]; !seen {
		// Process may have restarted; recover the last assigned event_id
		// from the durable log so ids stay strictly monotone.
		last, err := s.lastEventIDLocked(runID)
		if err != nil {
			s.logger.Warn("trace: failed recovering event cursor, starting fresh", zap.String("run_id", runID), zap.Error(err))
		}
		s.cursors[runID] = last
	}
	next := s.cursors[runID] + 1
	s.cursors[runID] = next
	s.mu.Unlock()

	ev.SchemaVersion = models.SchemaVersion
	ev.RunID = runID
	ev.EventID = next
	if ev.Timestamp == "" {
		ev.Timestamp = models.Now()
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return ev, fmt.Errorf("trace: marshal event: %w", err)
	}
	line = append(line, '\n')
	if err := s.artifacts.Append(eventsKey(runID), line); err != nil {
		return ev, err
	}
	metrics.TraceEventsAppended.Inc()
	return ev, nil
}

// lastEventIDLocked scans the durable event log for run_id and returns the
// highest event_id seen, or 0 if the log is absent/empty. Caller holds s.mu.
func (s *Store) lastEventIDLocked(runID string) (uint64, error) {
	data, absent, err := s.artifacts.Get(eventsKey(runID))
	if err != nil || absent {
		return 0, err
	}
	var last uint64
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev models.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.EventID > last {
			last = ev.EventID
		}
	}
	return last, nil
}

// LoadEvents returns events for run_id with event_id > cursor, up to limit,
// plus the cursor to resume from. Malformed lines are logged and skipped.
func (s *Store) LoadEvents(runID string, cursor uint64, limit int) ([]models.Event, uint64, error) {
	data, absent, err := s.artifacts.Get(eventsKey(runID))
	if err != nil {
		return nil, cursor, err
	}
	if absent {
		return nil, cursor, nil
	}

	var out []models.Event
	nextCursor := cursor
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev models.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			s.logger.Warn("trace: malformed event line, skipping", zap.String("run_id", runID), zap.Error(err))
			continue
		}
		if ev.EventID <= cursor {
			continue
		}
		out = append(out, ev)
		if ev.EventID > nextCursor {
			nextCursor = ev.EventID
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nextCursor, nil
}

// SaveBlob writes a large side-payload referenced by a blob key.
func (s *Store) SaveBlob(runID, blobID string, data []byte) (string, error) {
	return s.artifacts.Put(blobKey(runID, blobID), data)
}

// LoadBlob reads a blob; absent=true if never written.
func (s *Store) LoadBlob(runID, blobID string) ([]byte, bool, error) {
	return s.artifacts.Get(blobKey(runID, blobID))
}

// IndexRun records run_id under the secondary index keyspace described in
// spec.md: (time_bucket, final_state, failure_type, cost_bucket). The jsonl
// append is the durable source of truth; the sqlite upsert is a best-effort
// accelerator rebuildable from it.
func (s *Store) IndexRun(runID, timeBucket string, finalState models.FinalState, failureType, costBucket string) error {
	entry := map[string]string{
		"run_id":       runID,
		"time_bucket":  timeBucket,
		"final_state":  string(finalState),
		"failure_type": failureType,
		"cost_bucket":  costBucket,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("trace: marshal index entry: %w", err)
	}
	line = append(line, '\n')
	if err := s.artifacts.Append("trace_store/index/tasks_index.jsonl", line); err != nil {
		return err
	}

	if s.db != nil {
		if _, err := s.db.Exec(`
			INSERT INTO run_index (run_id, time_bucket, final_state, failure_type, cost_bucket)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(run_id) DO UPDATE SET
				time_bucket=excluded.time_bucket,
				final_state=excluded.final_state,
				failure_type=excluded.failure_type,
				cost_bucket=excluded.cost_bucket
		`, runID, timeBucket, string(finalState), failureType, costBucket); err != nil {
			s.logger.Warn("trace: secondary index upsert failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
	return nil
}

// QueryIndex returns run_ids matching the given (possibly empty/wildcard)
// filters. Empty string for a field means "any value". Requires the sqlite
// index to be available; returns an empty slice (not an error) if disabled.
func (s *Store) QueryIndex(timeBucket, finalState, failureType, costBucket string) ([]string, error) {
	if s.db == nil {
		return nil, nil
	}
	q := "SELECT run_id FROM run_index WHERE 1=1"
	var args []interface{}
	if timeBucket != "" {
		q += " AND time_bucket = ?"
		args = append(args, timeBucket)
	}
	if finalState != "" {
		q += " AND final_state = ?"
		args = append(args, finalState)
	}
	if failureType != "" {
		q += " AND failure_type = ?"
		args = append(args, failureType)
	}
	if costBucket != "" {
		q += " AND cost_bucket = ?"
		args = append(args, costBucket)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("trace: query index: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			return nil, fmt.Errorf("trace: scan index row: %w", err)
		}
		out = append(out, runID)
	}
	return out, rows.Err()
}
