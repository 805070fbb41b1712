package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/audit"
	"github.com/kocoro-labs/policyloop/internal/auth"
	"github.com/kocoro-labs/policyloop/internal/models"
	"github.com/kocoro-labs/policyloop/internal/router"
	"github.com/kocoro-labs/policyloop/internal/signal"
	"github.com/kocoro-labs/policyloop/internal/store"
	"github.com/kocoro-labs/policyloop/internal/trace"
)

type fakeRolloutSource struct {
	state models.RolloutState
	found bool
}

func (f *fakeRolloutSource) Load(ctx context.Context) (models.RolloutState, bool, error) {
	return f.state, f.found, nil
}

type fakeRollout struct {
	state models.RolloutState
	err   error
}

func (f *fakeRollout) StartCanary(ctx context.Context, active, candidate string) (models.RolloutState, error) {
	return f.state, f.err
}
func (f *fakeRollout) AdvanceStage(ctx context.Context) (models.RolloutState, error) {
	return f.state, f.err
}
func (f *fakeRollout) ManualRollback(ctx context.Context, reason string) (models.RolloutState, error) {
	return f.state, f.err
}
func (f *fakeRollout) ResetToIdle(ctx context.Context) (models.RolloutState, error) {
	return f.state, f.err
}

func newTestHandler(t *testing.T, skipAuth bool) (*Handler, string) {
	t.Helper()
	dir := t.TempDir()
	artifacts, err := store.New(dir, zap.NewNop())
	require.NoError(t, err)

	rtr := router.New(&fakeRolloutSource{found: true, state: models.RolloutState{ActivePolicy: "policy_v1", Stage: models.StageIdle}}, zap.NewNop(), "policy_v0")
	collector := signal.New(artifacts, zap.NewNop())
	auditW := audit.New(artifacts)
	mgr := auth.NewManager("test-signing-key-at-least-32-bytes!!", time.Hour)
	mw := auth.NewMiddleware(mgr, skipAuth)
	traces, err := trace.New(artifacts, "", zap.NewNop())
	require.NoError(t, err)

	h := New(zap.NewNop(), mw, rtr, collector, &fakeRollout{state: models.RolloutState{ActivePolicy: "policy_v1", Stage: models.StageCanary}}, auditW, traces)

	token, err := mgr.IssueToken("operator-1", auth.RoleOperator)
	require.NoError(t, err)
	return h, token
}

func TestPickPolicyRequiresValidToken(t *testing.T) {
	h, _ := newTestHandler(t, false)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/pick_policy", bytes.NewBufferString(`{"run_id":"run-1"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPickPolicyReturnsPolicyWithValidToken(t *testing.T) {
	h, token := newTestHandler(t, false)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/pick_policy", bytes.NewBufferString(`{"run_id":"run-1"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp pickPolicyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "policy_v1", resp.PolicyID)
}

func TestStartCanaryRejectsViewerRole(t *testing.T) {
	h, _ := newTestHandler(t, false)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	viewerMgr := auth.NewManager("test-signing-key-at-least-32-bytes!!", time.Hour)
	viewerToken, err := viewerMgr.IssueToken("viewer-1", auth.RoleViewer)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/start_canary", bytes.NewBufferString(`{"active":"a","candidate":"b"}`))
	req.Header.Set("Authorization", "Bearer "+viewerToken)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOnRunCompletedRequiresRunID(t *testing.T) {
	h, token := newTestHandler(t, false)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/on_run_completed", bytes.NewBufferString(`{"record":{}}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdvanceStageReturnsState(t *testing.T) {
	h, token := newTestHandler(t, false)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/advance_stage", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var state models.RolloutState
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&state))
	require.Equal(t, models.StageCanary, state.Stage)
}

func TestOnRunCompletedPersistsTraceAndIsQueryable(t *testing.T) {
	h, token := newTestHandler(t, false)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	body := `{"record":{"run_id":"run-42","policy_id":"policy_v1","final_state":"COMPLETED","cost_summary":{"total_usd":1.5},"latency_ms":120},"events":[{"type":"plan_started"},{"type":"plan_completed"}]}`
	req := httptest.NewRequest(http.MethodPost, "/on_run_completed", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	summaryReq := httptest.NewRequest(http.MethodGet, "/trace/summary?run_id=run-42", nil)
	summaryReq.Header.Set("Authorization", "Bearer "+token)
	summaryRec := httptest.NewRecorder()
	mux.ServeHTTP(summaryRec, summaryReq)
	require.Equal(t, http.StatusOK, summaryRec.Code)

	var summary struct {
		RunID        string  `json:"run_id"`
		TotalCostUSD float64 `json:"total_cost_usd"`
	}
	require.NoError(t, json.NewDecoder(summaryRec.Body).Decode(&summary))
	require.Equal(t, "run-42", summary.RunID)
	require.Equal(t, 1.5, summary.TotalCostUSD)

	eventsReq := httptest.NewRequest(http.MethodGet, "/trace/events?run_id=run-42", nil)
	eventsReq.Header.Set("Authorization", "Bearer "+token)
	eventsRec := httptest.NewRecorder()
	mux.ServeHTTP(eventsRec, eventsReq)
	require.Equal(t, http.StatusOK, eventsRec.Code)

	var eventsResp struct {
		Events     []models.Event `json:"events"`
		NextCursor uint64         `json:"next_cursor"`
	}
	require.NoError(t, json.NewDecoder(eventsRec.Body).Decode(&eventsResp))
	require.Len(t, eventsResp.Events, 2)
	require.Equal(t, uint64(2), eventsResp.NextCursor)
}

func TestSkipAuthTreatsEveryRequestAsOperator(t *testing.T) {
	h, _ := newTestHandler(t, true)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/reset_to_idle", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
