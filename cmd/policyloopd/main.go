// Command policyloopd runs the policy evolution core as a standalone
// daemon: the fifteen components described in SPEC_FULL.md wired together,
// fronted by a JWT-guarded admin HTTP API and a separate health endpoint.
package main

import (
	"context"
	stdsignal "os/signal"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kocoro-labs/policyloop/internal/adminapi"
	"github.com/kocoro-labs/policyloop/internal/attribution"
	"github.com/kocoro-labs/policyloop/internal/audit"
	"github.com/kocoro-labs/policyloop/internal/auth"
	"github.com/kocoro-labs/policyloop/internal/budget"
	"github.com/kocoro-labs/policyloop/internal/circuitbreaker"
	"github.com/kocoro-labs/policyloop/internal/config"
	"github.com/kocoro-labs/policyloop/internal/exploration"
	"github.com/kocoro-labs/policyloop/internal/gate"
	"github.com/kocoro-labs/policyloop/internal/health"
	"github.com/kocoro-labs/policyloop/internal/kpi"
	"github.com/kocoro-labs/policyloop/internal/learning"
	"github.com/kocoro-labs/policyloop/internal/memory"
	"github.com/kocoro-labs/policyloop/internal/metrics"
	"github.com/kocoro-labs/policyloop/internal/models"
	"github.com/kocoro-labs/policyloop/internal/replay"
	"github.com/kocoro-labs/policyloop/internal/rollback"
	"github.com/kocoro-labs/policyloop/internal/rollout"
	"github.com/kocoro-labs/policyloop/internal/router"
	"github.com/kocoro-labs/policyloop/internal/shadow"
	"github.com/kocoro-labs/policyloop/internal/signal"
	"github.com/kocoro-labs/policyloop/internal/store"
	"github.com/kocoro-labs/policyloop/internal/trace"
	"github.com/kocoro-labs/policyloop/internal/tracing"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load settings", zap.Error(err))
	}

	if err := tracing.Initialize(tracing.Config{Enabled: cfg.Tracing.Enabled, ServiceName: cfg.Tracing.ServiceName}, logger); err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	stdsignal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	// ------------------------------------------------------------------
	// Health endpoint comes up first and independently, so it answers even
	// if a later component fails to initialize.
	// ------------------------------------------------------------------
	hm := health.NewManager(logger)
	healthMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(healthMux)
	healthMux.Handle("/metrics", promhttp.Handler())
	go serveHTTP(logger, "health", cfg.Server.HealthAddr, healthMux)

	artifacts, err := store.New(cfg.ArtifactRoot, logger)
	if err != nil {
		logger.Fatal("failed to open artifact store", zap.Error(err))
	}
	_ = hm.RegisterChecker(health.NewArtifactStoreHealthChecker(artifacts, logger))

	traceStore, err := trace.New(artifacts, filepath.Join(cfg.ArtifactRoot, "trace_index.db"), logger)
	if err != nil {
		logger.Fatal("failed to open trace store", zap.Error(err))
	}
	defer traceStore.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	redisWrapper := circuitbreaker.NewRedisWrapper(redisClient, logger)
	_ = hm.RegisterChecker(health.NewRedisHealthChecker(redisWrapper, logger))

	circuitbreaker.StartMetricsCollection()

	// ------------------------------------------------------------------
	// Wire the fifteen components. Construction order follows their read
	// dependencies; the one genuine cycle (C13 needs a PolicySource that
	// C15 provides, but C15 needs C13 to drive rollouts) is resolved by a
	// post-construction SetPolicySource call once both exist.
	// ------------------------------------------------------------------
	auditWriter := audit.New(artifacts)
	budgetMgr := budget.New(redisWrapper, artifacts, logger, budget.Config{
		MaxFailures:  cfg.Exploration.MaxFailures,
		MaxCostUSD:   cfg.Exploration.MaxCostUSD,
		MaxLatencyMs: cfg.Exploration.MaxLatencyMs,
		Window:       budget.DefaultWindow,
	})
	_ = hm.RegisterChecker(health.NewBudgetHealthChecker(func(ctx context.Context) (bool, string, error) {
		snap, err := budgetMgr.Snapshot(ctx)
		return snap.HardStop, snap.LastStopReason, err
	}, logger))

	signalCollector := signal.New(artifacts, logger)
	workingMemory := memory.New(artifacts, logger)
	kpiAggregator := kpi.New(artifacts, logger)
	attributor := attribution.New(artifacts, kpiAggregator, logger)
	shadowExecutor := shadow.New(artifacts, logger)
	replayEvaluator := replay.New(artifacts, logger)

	explorationEngine := exploration.New(artifacts, logger, kpiAggregator, budgetMgr, shadowExecutor, replayEvaluator, exploration.Config{
		Enabled:               true,
		MaxParallelCandidates: cfg.Exploration.MaxParallelCandidates,
		RewardHistorySize:     200,
	})

	gateEngine, err := gate.New(artifacts, logger)
	if err != nil {
		logger.Fatal("failed to compile gate policy", zap.Error(err))
	}

	rolloutCfg := rollout.DefaultConfig()
	rolloutCfg.CanaryTrafficPct = cfg.Rollout.CanaryPct
	rolloutCfg.PartialTrafficPct = cfg.Rollout.PartialPct
	rolloutCfg.MinSuccessUplift = cfg.Gate.MinSuccessUplift
	rolloutMgr := rollout.New(artifacts, auditWriter, logger, kpiAggregator, nil, rolloutCfg, rollback.DefaultConfig())

	// defaultPolicy only fires on a cold start with no RolloutState at all;
	// router.active_policy_override is a distinct break-glass control applied
	// below, which fires unconditionally once set regardless of RolloutState.
	policyRouter := router.New(rolloutMgr, logger, "")
	if cfg.Router.ActivePolicyOverride != "" {
		policyRouter.SetActiveOverride(cfg.Router.ActivePolicyOverride)
	}

	learningController := learning.New(artifacts, auditWriter, logger, signalCollector, kpiAggregator, rolloutMgr, gateEngine, learning.Config{
		MinRuns:                cfg.Learning.MinRuns,
		MaxFailureRate:         cfg.Learning.MaxFailureRate,
		MinRunsBetweenTraining: cfg.Learning.MinRunsBetweenTraining,
		MaxTrainExamples:       cfg.Learning.MaxTrainExamples,
		AggregateSampleSize:    cfg.Learning.AggregateSampleSize,
	})
	rolloutMgr.SetPolicySource(learningController)

	registerSignalHooks(signalCollector, workingMemory, attributor, kpiAggregator, explorationEngine, logger)

	// ------------------------------------------------------------------
	// Learning tick: periodic, best-effort, idempotent (spec.md §4.15/§5).
	// ------------------------------------------------------------------
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Learning.TickCron, func() {
		tickCtx, span := tracing.StartSpan(ctx, "learning.Tick")
		defer span.End()
		tickStart := time.Now()
		result, err := learningController.Tick(tickCtx)
		metrics.LearningTickDuration.Observe(time.Since(tickStart).Seconds())
		if err != nil {
			logger.Error("learning tick failed", zap.Error(err))
			metrics.LearningTickOutcomes.WithLabelValues("error").Inc()
			return
		}
		metrics.LearningTickOutcomes.WithLabelValues(result.Action).Inc()
		logger.Info("learning tick completed", zap.String("action", result.Action))
	}); err != nil {
		logger.Fatal("failed to schedule learning tick", zap.Error(err))
	}
	sched.Start()
	defer sched.Stop()

	// ------------------------------------------------------------------
	// Admin HTTP API.
	// ------------------------------------------------------------------
	signingKey := os.Getenv("ADMIN_JWT_SECRET")
	skipAuth := config.ParseBool(os.Getenv("ADMIN_SKIP_AUTH"))
	if signingKey == "" && !skipAuth {
		logger.Fatal("ADMIN_JWT_SECRET is required unless ADMIN_SKIP_AUTH is set")
	}
	authMgr := auth.NewManager(signingKey, time.Hour)
	authMW := auth.NewMiddleware(authMgr, skipAuth)
	adminHandler := adminapi.New(logger, authMW, policyRouter, signalCollector, rolloutMgr, auditWriter, traceStore)
	adminMux := http.NewServeMux()
	adminHandler.RegisterRoutes(adminMux)
	go serveHTTP(logger, "admin", cfg.Server.AdminAddr, adminMux)

	go func() { _ = hm.Start(ctx) }()

	<-ctx.Done()
	logger.Info("shutting down policyloopd")
}

// registerSignalHooks wires the Signal Collector's fan-out to the four
// best-effort downstream consumers spec.md §4.3 names: Working Memory,
// Decision Attributor, KPI Aggregator, Exploration Engine. Each hook
// invocation is already recover()-guarded by the Collector itself.
func registerSignalHooks(c *signal.Collector, mem *memory.Memory, attr *attribution.Attributor, aggregator *kpi.Aggregator, explorer *exploration.Engine, logger *zap.Logger) {
	c.RegisterHook(func(sig models.RunSignal, seenBefore bool) {
		if err := mem.Record(sig.PatternSignature, sig.RunSuccess, sig.TotalCostUSD, sig.LatencyMs); err != nil {
			logger.Warn("signal hook: memory record failed", zap.Error(err), zap.String("run_id", sig.RunID))
		}

		attribResult, attribErr := attr.Attribute(sig)
		if attribErr != nil {
			logger.Warn("signal hook: attribution failed", zap.Error(attribErr), zap.String("run_id", sig.RunID))
		}

		recordIn := kpi.RecordInput{
			RetrievalPolicyID:     sig.RetrievalPolicyID,
			PromptTemplateID:      sig.PromptTemplateID,
			ToolSequenceSignature: sig.ToolSequenceSignature,
			PolicyID:              sig.PolicyID,
			Success:               sig.RunSuccess,
			CostUSD:               sig.TotalCostUSD,
			LatencyMs:             sig.LatencyMs,
			EvidenceUsageRate:     sig.EvidenceUsageRate,
		}
		if attribErr == nil {
			recordIn.PrimaryCause = attribResult.PrimaryCause
		}
		if err := aggregator.Record(recordIn); err != nil {
			logger.Warn("signal hook: kpi record failed", zap.Error(err), zap.String("run_id", sig.RunID))
		}

		var attrPtr *models.Attribution
		if attribErr == nil {
			attrPtr = &attribResult
		}
		if _, err := explorer.OnRunCompleted(context.Background(), sig, attrPtr); err != nil {
			logger.Warn("signal hook: exploration failed", zap.Error(err), zap.String("run_id", sig.RunID))
		}
	})
}

func serveHTTP(logger *zap.Logger, name, addr string, mux *http.ServeMux) {
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	logger.Info(name+" HTTP server listening", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(name+" HTTP server failed", zap.Error(err))
	}
}
