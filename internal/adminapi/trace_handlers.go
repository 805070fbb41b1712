package adminapi

import (
	"net/http"
	"strconv"

	"github.com/kocoro-labs/policyloop/internal/models"
	"github.com/kocoro-labs/policyloop/internal/trace"
)

// persistTrace writes record and events into the Trace Store (C2) before
// on_run_completed hands them to the Signal Collector (C3), so C2 stays the
// durable, exclusively-owning record of every RunRecord and Event spec.md
// §4.1/§4.2 assign it rather than a write-through afterthought.
func (h *Handler) persistTrace(record models.RunRecord, events []models.Event) error {
	if h.traces == nil {
		return nil
	}
	summary := trace.TraceSummary{
		RunID:        record.RunID,
		PolicyID:     record.PolicyID,
		FinalState:   record.FinalState,
		TotalCostUSD: record.CostSummary.TotalUSD,
		LatencyMs:    record.LatencyMs,
		CompletedAt:  record.CompletedAt,
	}
	if err := h.traces.SaveSummary(summary); err != nil {
		return err
	}
	for _, ev := range events {
		if _, err := h.traces.AppendEvent(record.RunID, ev); err != nil {
			return err
		}
	}
	return nil
}

// handleTraceSummary implements a read-only lookup over C2's per-run
// summary, GET /trace/summary?run_id=...
func (h *Handler) handleTraceSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}
	if h.traces == nil {
		writeError(w, http.StatusServiceUnavailable, "trace store not configured")
		return
	}
	summary, absent, err := h.traces.LoadSummary(runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "trace summary lookup failed")
		return
	}
	if absent {
		writeError(w, http.StatusNotFound, "no summary for run_id")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleTraceEvents implements C2's cursor-based event iteration,
// GET /trace/events?run_id=...&cursor=0&limit=100.
func (h *Handler) handleTraceEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}
	if h.traces == nil {
		writeError(w, http.StatusServiceUnavailable, "trace store not configured")
		return
	}

	var cursor uint64
	if v := r.URL.Query().Get("cursor"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = parsed
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	events, nextCursor, err := h.traces.LoadEvents(runID, cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "trace events lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Events     []models.Event `json:"events"`
		NextCursor uint64         `json:"next_cursor"`
	}{Events: events, NextCursor: nextCursor})
}
