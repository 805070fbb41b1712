// Package adminapi restores a minimal administrative HTTP surface over the
// policy evolution core: pick_policy, on_run_completed, start_canary,
// advance_stage, rollback, and reset_to_idle. This is ambient infra around
// the core (spec.md §5's restored agentctl.py/api_server.py hooks), not a
// reimplementation of the out-of-scope web/CLI/UI surfaces the agent
// platform itself exposes.
package adminapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/audit"
	"github.com/kocoro-labs/policyloop/internal/auth"
	"github.com/kocoro-labs/policyloop/internal/metrics"
	"github.com/kocoro-labs/policyloop/internal/models"
	"github.com/kocoro-labs/policyloop/internal/router"
	"github.com/kocoro-labs/policyloop/internal/signal"
	"github.com/kocoro-labs/policyloop/internal/trace"
)

// Handler wires the admin HTTP surface to the core components it fronts.
type Handler struct {
	logger  *zap.Logger
	auth    *auth.Middleware
	router  *router.Router
	signals *signal.Collector
	rollout RolloutManager
	auditW  *audit.Writer
	traces  *trace.Store
}

// RolloutManager is the narrow seam onto the Rollout Manager (C13) the
// admin API mutates. Defined locally rather than importing *rollout.Manager
// directly so this package stays testable against a fake.
type RolloutManager interface {
	StartCanary(ctx context.Context, active, candidate string) (models.RolloutState, error)
	AdvanceStage(ctx context.Context) (models.RolloutState, error)
	ManualRollback(ctx context.Context, reason string) (models.RolloutState, error)
	ResetToIdle(ctx context.Context) (models.RolloutState, error)
}

// New constructs a Handler.
func New(logger *zap.Logger, authMW *auth.Middleware, rtr *router.Router, signals *signal.Collector, rolloutMgr RolloutManager, auditW *audit.Writer, traces *trace.Store) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logger: logger, auth: authMW, router: rtr, signals: signals, rollout: rolloutMgr, auditW: auditW, traces: traces}
}

// RegisterRoutes mounts every admin endpoint onto mux. operatorOnly gates
// the state-mutating endpoints; pick_policy and on_run_completed (the
// production read/write path) and the audit tail are reachable by either
// role.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	anyRole := h.auth.RequireRole(auth.RoleOperator, auth.RoleViewer)
	operatorOnly := h.auth.RequireRole(auth.RoleOperator)

	mux.Handle("/pick_policy", anyRole(withMetrics("pick_policy", http.HandlerFunc(h.handlePickPolicy))))
	mux.Handle("/on_run_completed", anyRole(withMetrics("on_run_completed", http.HandlerFunc(h.handleOnRunCompleted))))
	mux.Handle("/start_canary", operatorOnly(withMetrics("start_canary", http.HandlerFunc(h.handleStartCanary))))
	mux.Handle("/advance_stage", operatorOnly(withMetrics("advance_stage", http.HandlerFunc(h.handleAdvanceStage))))
	mux.Handle("/rollback", operatorOnly(withMetrics("rollback", http.HandlerFunc(h.handleRollback))))
	mux.Handle("/reset_to_idle", operatorOnly(withMetrics("reset_to_idle", http.HandlerFunc(h.handleResetToIdle))))
	mux.Handle("/audit/tail", anyRole(withMetrics("audit_tail", http.HandlerFunc(h.handleAuditTail))))
	mux.Handle("/trace/summary", anyRole(withMetrics("trace_summary", http.HandlerFunc(h.handleTraceSummary))))
	mux.Handle("/trace/events", anyRole(withMetrics("trace_events", http.HandlerFunc(h.handleTraceEvents))))
}

// statusRecorder captures the status code a handler wrote so withMetrics can
// label the request counter without every handler reporting it itself.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withMetrics wraps next with the request count and latency instrumentation
// every admin route reports under, labeled by route name rather than the
// raw path so a future rename of the mux pattern doesn't fragment the
// metric's label cardinality.
func withMetrics(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		metrics.AdminRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		metrics.AdminRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}
