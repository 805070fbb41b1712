// Package audit is the shared JSONL audit-log writer for the Rollout
// Manager (C13), Rollback Manager (C14), and Learning Controller (C15):
// every stage transition and every controller decision appends one JSON
// line under a fixed artifact key, never rewritten, so an operator can tail
// or replay the full rollout/training history of an instance.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kocoro-labs/policyloop/internal/store"
)

const logKey = "audit/log.jsonl"

// Entry is one audit-log line. Action-specific detail lives in Fields so
// the writer doesn't need a variant type per caller.
type Entry struct {
	Action          string                 `json:"action"`
	FromStage       string                 `json:"from_stage,omitempty"`
	ToStage         string                 `json:"to_stage,omitempty"`
	ActivePolicy    string                 `json:"active_policy,omitempty"`
	CandidatePolicy string                 `json:"candidate_policy,omitempty"`
	TrafficSplit    map[string]float64    `json:"traffic_split,omitempty"`
	KPICheck        map[string]interface{} `json:"kpi_check,omitempty"`
	Fields          map[string]interface{} `json:"fields,omitempty"`
	Timestamp       string                 `json:"timestamp"`
}

// Writer appends Entries to the shared audit log and fans each one out to
// any live subscribers (the admin API's websocket tail).
type Writer struct {
	artifacts *store.Store

	subMu       sync.Mutex
	subscribers map[chan Entry]struct{}
}

// New constructs a Writer over the given artifact store.
func New(artifacts *store.Store) *Writer {
	return &Writer{artifacts: artifacts, subscribers: make(map[chan Entry]struct{})}
}

// Write serializes entry as one JSON line, appends it to the audit log, and
// publishes it to every live subscriber. Publishing is best-effort: a slow
// or absent subscriber never blocks or fails the write.
func (w *Writer) Write(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	data = append(data, '\n')
	if err := w.artifacts.Append(logKey, data); err != nil {
		return fmt.Errorf("audit: append entry: %w", err)
	}
	w.publish(entry)
	return nil
}

// Subscribe registers a channel that receives every Entry written from now
// on. The caller must call Unsubscribe when done to avoid leaking the
// channel's slot.
func (w *Writer) Subscribe(buffer int) chan Entry {
	ch := make(chan Entry, buffer)
	w.subMu.Lock()
	w.subscribers[ch] = struct{}{}
	w.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel obtained from Subscribe.
func (w *Writer) Unsubscribe(ch chan Entry) {
	w.subMu.Lock()
	if _, ok := w.subscribers[ch]; ok {
		delete(w.subscribers, ch)
		close(ch)
	}
	w.subMu.Unlock()
}

func (w *Writer) publish(entry Entry) {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	for ch := range w.subscribers {
		select {
		case ch <- entry:
		default:
			// Subscriber isn't draining fast enough; drop rather than block
			// the writer that every core component shares.
		}
	}
}
