package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/tradecredit/creditdesk/internal/jobs"
	"github.com/tradecredit/creditdesk/internal/ledger"
)

// LedgerReconciler recomputes ledger positions from their sources.
type LedgerReconciler interface {
	ReconcileAll(ctx context.Context) ([]ledger.Reconciliation, error)
}

// LedgerIntegrityJob reports importers whose materialized position drifted
// from finalized applications and active imports. It never corrects data.
type LedgerIntegrityJob struct {
	Reconciler LedgerReconciler
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewLedgerIntegrityJob initialises the integrity check handler.
func NewLedgerIntegrityJob(reconciler LedgerReconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerIntegrityJob{Reconciler: reconciler, Logger: logger, Metrics: metrics}
}

// Handle executes the check.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Reconciler == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	if _, err := decodeSchedule(t); err != nil {
		return err
	}
	start := time.Now()
	tracker := j.Metrics.Track(TaskLedgerIntegrity)
	defer func() {
		err = tracker.End(err)
	}()

	drifted, err := j.Reconciler.ReconcileAll(ctx)
	if err != nil {
		j.Logger.Error("ledger integrity failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddItems(TaskLedgerIntegrity, "drifted", int64(len(drifted)))
	level := slog.LevelInfo
	if len(drifted) > 0 {
		level = slog.LevelWarn
	}
	j.Logger.Log(ctx, level, "ledger integrity check executed",
		slog.Int("drifted", len(drifted)),
		slog.Duration("duration", time.Since(start)))
	return nil
}
