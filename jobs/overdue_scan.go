package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/tradecredit/creditdesk/internal/jobs"
)

// OverdueMarker flags pending obligations that are past due.
type OverdueMarker interface {
	MarkOverdue(ctx context.Context, asOf time.Time) (int64, error)
}

// OverdueScanJob moves past-due obligations of active imports to overdue.
type OverdueScanJob struct {
	Marker  OverdueMarker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewOverdueScanJob initialises the overdue scan handler.
func NewOverdueScanJob(marker OverdueMarker, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverdueScanJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &OverdueScanJob{
		Marker:  marker,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the scan.
func (j *OverdueScanJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Marker == nil {
		return errors.New("overdue scan: handler not configured")
	}
	payload, err := decodeSchedule(t)
	if err != nil {
		return err
	}
	asOf := payload.ScheduledFor
	if asOf.IsZero() {
		asOf = j.clock()
	}
	tracker := j.Metrics.Track(TaskOverdueScan)
	defer func() {
		err = tracker.End(err)
	}()

	marked, err := j.Marker.MarkOverdue(ctx, asOf)
	if err != nil {
		j.Logger.Error("overdue scan failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddItems(TaskOverdueScan, "overdue", marked)
	j.Logger.Info("overdue scan completed", slog.Time("as_of", asOf), slog.Int64("marked", marked))
	return nil
}
