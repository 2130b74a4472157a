package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ippoc-labs/ippoc/pkg/api"
	"github.com/ippoc-labs/ippoc/pkg/archive"
	"github.com/ippoc-labs/ippoc/pkg/audit"
	"github.com/ippoc-labs/ippoc/pkg/autonomy"
	"github.com/ippoc-labs/ippoc/pkg/breaker"
	"github.com/ippoc-labs/ippoc/pkg/canon"
	"github.com/ippoc-labs/ippoc/pkg/capability"
	"github.com/ippoc-labs/ippoc/pkg/config"
	"github.com/ippoc-labs/ippoc/pkg/economy"
	"github.com/ippoc-labs/ippoc/pkg/envelope"
	"github.com/ippoc-labs/ippoc/pkg/idempotency"
	"github.com/ippoc-labs/ippoc/pkg/intent"
	"github.com/ippoc-labs/ippoc/pkg/ledger"
	"github.com/ippoc-labs/ippoc/pkg/observability"
	"github.com/ippoc-labs/ippoc/pkg/orchestrator"
	"github.com/ippoc-labs/ippoc/pkg/queue"
	"github.com/ippoc-labs/ippoc/pkg/trust"
)

// shutdownGrace bounds the teardown: HTTP drain, queue drain, and state
// flush all share it.
const shutdownGrace = 15 * time.Second

// runServe is the composition root: it builds every component from the
// configuration, wires them behind the orchestrator spine, and serves
// until SIGINT or SIGTERM.
func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	metrics := observability.NewMetrics()
	tracing, err := observability.NewTracing(ctx, observability.TracingConfig{
		ServiceName:    "ippoc",
		ServiceVersion: Version,
		Endpoint:       cfg.OTLPEndpoint,
		SampleRate:     1,
	}, logger)
	if err != nil {
		return err
	}

	econ, err := economy.New(cfg.EconomyPath, logger)
	if err != nil {
		return err
	}

	if cfg.DBURL == "" {
		logger.Info("ORCHESTRATOR_DB_URL not set, using embedded sqlite ledger",
			slog.String("path", cfg.LedgerURL()))
	}
	led, err := ledger.OpenSQL(ctx, cfg.LedgerURL(), logger)
	if err != nil {
		return err
	}

	trustReg, err := trust.NewRegistry(cfg.TrustPath, logger)
	if err != nil {
		return err
	}
	gate, err := canon.NewGate(logger, cfg.CanonPatterns...)
	if err != nil {
		return err
	}
	stack, err := intent.NewStack(cfg.IntentsPath, logger)
	if err != nil {
		return err
	}

	// Archive misconfiguration fails startup; archive failures at runtime
	// only log.
	var sink archive.Store
	if cfg.ArchiveType != "" {
		sink, err = archive.NewFromEnv(ctx)
		if err != nil {
			return err
		}
	}

	auditOpts := []audit.Option{}
	if cfg.AuditSecret != "" {
		auditOpts = append(auditOpts, audit.WithSecret(cfg.AuditSecret))
	}
	if sink != nil {
		auditOpts = append(auditOpts, audit.WithArchive(sink, 0))
	}
	auditor, err := audit.NewLogger(cfg.AuditPath, logger, auditOpts...)
	if err != nil {
		return err
	}

	var idem idempotency.Store
	if cfg.RedisURL != "" {
		idem, err = idempotency.NewRedisStore(ctx, cfg.RedisURL, cfg.IdempotencyTTL)
		if err != nil {
			return err
		}
		logger.Info("idempotency store: redis")
	} else {
		idem = idempotency.NewMemoryStore(cfg.IdempotencyTTL)
	}

	q := queue.New(cfg.QueueMax)
	breakers := breaker.NewManager(breaker.Config{
		Threshold: cfg.BreakerThreshold,
		Reset:     cfg.BreakerReset,
	}, logger)

	registry := capability.NewRegistry()
	if err := registry.Register(capability.NewMaintainer(econ, breakers, q)); err != nil {
		return err
	}

	orch := orchestrator.New(registry, econ, led, logger,
		orchestrator.WithPolicy(orchestrator.Policy{
			KillSwitch:      cfg.KillSwitch,
			ToolAllowlist:   cfg.ToolAllowlist,
			ToolDenylist:    cfg.ToolDenylist,
			DomainAllowlist: cfg.DomainAllowlist,
			DomainDenylist:  cfg.DomainDenylist,
			MaxRisk:         envelope.RiskLevel(cfg.MaxRisk),
			ToolBudgets:     cfg.ToolBudgets,
			TenantBudgets:   cfg.TenantBudgets,
			DefaultDeadline: time.Duration(cfg.DeadlineMS) * time.Millisecond,
		}),
		orchestrator.WithBreakers(breakers),
		orchestrator.WithIdempotencyStore(idem, cfg.IdempotencyTTL),
		orchestrator.WithAudit(auditor),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithTracer(tracing.Tracer()),
		orchestrator.WithQueue(q),
	)

	if cfg.WorkerEnabled {
		// The worker's own context stays open through a signal so queued
		// envelopes drain; Shutdown bounds the drain.
		orch.StartWorker(context.Background())
	}

	var heartbeat *autonomy.Heartbeat
	if cfg.AutonomyEnabled {
		ctrlOpts := []autonomy.ControllerOption{
			autonomy.WithAudit(auditor),
			autonomy.WithMetrics(metrics),
			autonomy.WithTracer(tracing.Tracer()),
		}
		if sink != nil {
			ctrlOpts = append(ctrlOpts, autonomy.WithSnapshots(sink))
		}
		controller, err := autonomy.NewController(autonomy.Deps{
			Observer: autonomy.NewLedgerObserver(led, econ),
			Planner:  autonomy.NewPlanner(trustReg, gate, logger),
			Decider:  autonomy.NewDecider(econ, gate),
			Stack:    stack,
			Invoker:  orch,
			Economy:  econ,
		}, cfg.ExplainPath, logger, ctrlOpts...)
		if err != nil {
			return err
		}
		heartbeat = autonomy.NewHeartbeat(controller, cfg.HeartbeatInterval, logger)
		heartbeat.Start(ctx)
	}

	auditKey, err := audit.DeriveKey(cfg.AuditSecret)
	if err != nil {
		return err
	}

	srv, err := api.New(api.Config{
		Addr:       cfg.ListenAddr,
		RequireTLS: cfg.RequireTLS,
		TLSCert:    cfg.TLSCert,
		TLSKey:     cfg.TLSKey,
		RateRPS:    cfg.RateLimitRPS,
		RateBurst:  cfg.RateLimitBurst,
		Tokens:     cfg.Tokens,
		JWTSecret:  cfg.JWTSecret,
	}, api.Deps{
		Orchestrator: orch,
		Economy:      econ,
		Ledger:       led,
		Metrics:      metrics,
		ExplainPath:  cfg.ExplainPath,
		AuditPath:    cfg.AuditPath,
		AuditKey:     auditKey,
		Version:      Version,
	}, logger)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()
	srv.SetReady(true)

	logger.Info("orchestrator ready",
		slog.String("addr", cfg.ListenAddr),
		slog.String("version", Version),
		slog.Bool("worker", cfg.WorkerEnabled),
		slog.Bool("autonomy", cfg.AutonomyEnabled))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serveErr:
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if heartbeat != nil {
		heartbeat.Stop()
	}
	if err := srv.Shutdown(sctx); err != nil {
		logger.Error("http shutdown failed", slog.Any("error", err))
	}
	if err := orch.Shutdown(sctx); err != nil {
		logger.Error("queue drain incomplete", slog.Any("error", err))
	}
	if err := stack.Save(); err != nil {
		logger.Error("intent flush failed", slog.Any("error", err))
	}
	if err := idem.Close(); err != nil {
		logger.Error("idempotency store close failed", slog.Any("error", err))
	}
	if err := auditor.Close(); err != nil {
		logger.Error("audit close failed", slog.Any("error", err))
	}
	if err := led.Close(); err != nil {
		logger.Error("ledger close failed", slog.Any("error", err))
	}
	if err := tracing.Shutdown(sctx); err != nil {
		logger.Error("tracing shutdown failed", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return runErr
}
