package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tradecredit/creditdesk/internal/app"
	"github.com/tradecredit/creditdesk/internal/bureau"
	"github.com/tradecredit/creditdesk/internal/credit"
	"github.com/tradecredit/creditdesk/internal/drawdown"
	"github.com/tradecredit/creditdesk/internal/ledger"
	"github.com/tradecredit/creditdesk/internal/notify"
	"github.com/tradecredit/creditdesk/internal/observability"
	"github.com/tradecredit/creditdesk/internal/platform/cache"
	"github.com/tradecredit/creditdesk/internal/platform/db"
	"github.com/tradecredit/creditdesk/internal/rbac"
	"github.com/tradecredit/creditdesk/internal/shared"
	"github.com/tradecredit/creditdesk/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(dbpool)
	approvalRecorder := shared.NewApprovalRecorder(dbpool, logger)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	notifier := notify.NewNotifier(jobClient, jobs.QueueDefault, logger)

	var advisor *credit.Advisor
	if cfg.BureauURL != "" {
		provider := bureau.NewCachedProvider(bureau.NewClient(cfg.BureauURL, cfg.BureauTimeout), redisClient, cfg.BureauCacheTTL, logger)
		advisor = credit.NewAdvisor(provider, nil, logger)
	}

	creditRepo := credit.NewRepository(dbpool)
	creditService := credit.NewService(creditRepo, credit.ServiceConfig{
		Approvals: approvalRecorder,
		Notifier:  notifier,
		Observer:  metrics,
		Advisor:   advisor,
		Logger:    logger,
	})

	ledgerService := ledger.NewService(ledger.NewRepository(dbpool), logger)

	drawdownService := drawdown.NewService(drawdown.NewRepository(dbpool), creditRepo, drawdown.ServiceConfig{
		Idempotency: idempotencyStore,
		Audit:       auditLogger,
		Observer:    metrics,
		Logger:      logger,
	})

	rbacService := rbac.NewService()
	rbacMiddleware := rbac.Middleware{Service: rbacService, Logger: logger}

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		RBACMiddleware:     rbacMiddleware,
		CreditHandler:      credit.NewHandler(logger, creditService, rbacMiddleware),
		LedgerHandler:      ledger.NewHandler(logger, ledgerService, rbacMiddleware),
		ImportsHandler:     drawdown.NewHandler(logger, drawdownService, rbacMiddleware),
		PermissionsHandler: rbac.NewPermissionsHandler(logger, rbacService, rbacMiddleware),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
		HealthChecks: map[string]app.HealthCheck{
			"postgres": dbpool.Ping,
			"redis": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
