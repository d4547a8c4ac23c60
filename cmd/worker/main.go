package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/text/language"

	"github.com/tradecredit/creditdesk/cmd/worker/cli"
	"github.com/tradecredit/creditdesk/internal/app"
	"github.com/tradecredit/creditdesk/internal/drawdown"
	"github.com/tradecredit/creditdesk/internal/ledger"
	"github.com/tradecredit/creditdesk/internal/notify"
	"github.com/tradecredit/creditdesk/internal/observability"
	"github.com/tradecredit/creditdesk/internal/platform/db"
	"github.com/tradecredit/creditdesk/internal/shared"
	"github.com/tradecredit/creditdesk/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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
	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}

	if len(os.Args) > 1 {
		os.Exit(runCLI(ctx, redisOpts, os.Args[1:]))
	}

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	observed := observability.NewMetrics()
	metrics := observed.Jobs()
	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: observed.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	ledgerService := ledger.NewService(ledger.NewRepository(pool), logger)
	drawdownService := drawdown.NewService(drawdown.NewRepository(pool), nil, drawdown.ServiceConfig{Logger: logger})

	tag, err := language.Parse(cfg.NotifyLocale)
	if err != nil {
		logger.Warn("invalid notify locale, falling back to English", slog.String("locale", cfg.NotifyLocale))
		tag = language.English
	}
	dispatcher := notify.NewDispatcher(notify.NewRenderer(tag), notify.LogDeliverer{Logger: logger}, logger)

	overdueJob := jobs.NewOverdueScanJob(drawdownService, logger, metrics)
	integrityJob := jobs.NewLedgerIntegrityJob(ledgerService, logger, metrics)
	cleanupJob := jobs.NewIdempotencyCleanupJob(shared.NewIdempotencyStore(pool), cfg.IdempotencyRetention, logger, metrics)

	overdueTask, err := jobs.NewOverdueScanTask(time.Time{})
	if err != nil {
		logger.Error("build overdue task", slog.Any("error", err))
		os.Exit(1)
	}
	integrityTask, err := jobs.NewLedgerIntegrityTask()
	if err != nil {
		logger.Error("build ledger integrity task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask()
	if err != nil {
		logger.Error("build idempotency cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: notify.TaskTypeTransition, Handler: dispatcher.Handle},
			{Type: jobs.TaskOverdueScan, Handler: overdueJob.Handle},
			{Type: jobs.TaskLedgerIntegrity, Handler: integrityJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.OverdueScanCron, Task: overdueTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.LedgerIntegrityCron, Task: integrityTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.IdempotencyCron, Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func runCLI(ctx context.Context, redisOpts asynq.RedisClientOpt, args []string) int {
	client := asynq.NewClient(redisOpts)
	defer client.Close()
	inspector := asynq.NewInspector(redisOpts)
	defer inspector.Close()
	return cli.NewJobsCLI(client, inspector).Run(ctx, args, os.Stdout, os.Stderr)
}
