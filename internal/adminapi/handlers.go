package adminapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/models"
	"github.com/kocoro-labs/policyloop/internal/tracing"
)

// pickPolicyRequest mirrors models.RunContext; a thin wire type keeps the
// HTTP contract stable even if RunContext grows fields other callers need.
type pickPolicyRequest struct {
	TaskID    string `json:"task_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

type pickPolicyResponse struct {
	PolicyID string `json:"policy_id"`
}

// handlePickPolicy implements spec.md §4.12's pick_policy(run_context).
func (h *Handler) handlePickPolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req pickPolicyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ctx, span := tracing.StartSpan(r.Context(), "router.PickPolicy")
	defer span.End()
	runCtx := models.RunContext{TaskID: req.TaskID, RunID: req.RunID, ProjectID: req.ProjectID, UserID: req.UserID}
	policyID, err := h.router.PickPolicy(ctx, runCtx)
	if err != nil {
		h.logger.Error("adminapi: pick_policy failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "pick_policy failed")
		return
	}
	writeJSON(w, http.StatusOK, pickPolicyResponse{PolicyID: policyID})
}

// onRunCompletedRequest carries the full RunRecord + Events a caller reports
// after a run finishes; the Signal Collector (C3) does the rest.
type onRunCompletedRequest struct {
	Record models.RunRecord `json:"record"`
	Events []models.Event   `json:"events,omitempty"`
}

// handleOnRunCompleted implements spec.md §4.3's on_run_completed hook: it
// builds and persists the RunSignal and fans out to every registered hook
// (Working Memory, Attribution, KPI, Exploration).
func (h *Handler) handleOnRunCompleted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req onRunCompletedRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Record.RunID == "" {
		writeError(w, http.StatusBadRequest, "record.run_id is required")
		return
	}
	_, span := tracing.StartSpan(r.Context(), "signal.OnRunCompleted")
	defer span.End()

	if err := h.persistTrace(req.Record, req.Events); err != nil {
		h.logger.Error("adminapi: trace store persist failed", zap.Error(err), zap.String("run_id", req.Record.RunID))
		writeError(w, http.StatusInternalServerError, "trace store persist failed")
		return
	}

	sig, err := h.signals.OnRunCompleted(req.Record, req.Events)
	if err != nil {
		h.logger.Error("adminapi: on_run_completed failed", zap.Error(err), zap.String("run_id", req.Record.RunID))
		writeError(w, http.StatusInternalServerError, "on_run_completed failed")
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

type startCanaryRequest struct {
	Active    string `json:"active"`
	Candidate string `json:"candidate"`
}

func (h *Handler) handleStartCanary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req startCanaryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Active == "" || req.Candidate == "" {
		writeError(w, http.StatusBadRequest, "active and candidate are required")
		return
	}
	state, err := h.rollout.StartCanary(r.Context(), req.Active, req.Candidate)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleAdvanceStage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	state, err := h.rollout.AdvanceStage(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type rollbackRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req rollbackRequest
	_ = decodeBody(r, &req) // an empty/absent body just means the default "manual" reason
	state, err := h.rollout.ManualRollback(r.Context(), req.Reason)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleResetToIdle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	state, err := h.rollout.ResetToIdle(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}
