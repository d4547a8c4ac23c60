package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskOverdueScan flags past-due obligations.
	TaskOverdueScan = "obligations:overdue_scan"
	// TaskLedgerIntegrity recomputes ledger positions and reports drift.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// SchedulePayload carries scheduling metadata shared by cron tasks.
type SchedulePayload struct {
	ScheduledFor time.Time `json:"scheduled_for,omitempty"`
}

func newScheduledTask(taskType string, at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SchedulePayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(QueueDefault)), nil
}

// NewOverdueScanTask constructs the overdue scan task. A zero at means the
// scan runs against the processing time.
func NewOverdueScanTask(at time.Time) (*asynq.Task, error) {
	return newScheduledTask(TaskOverdueScan, at)
}

// NewLedgerIntegrityTask constructs the ledger integrity task.
func NewLedgerIntegrityTask() (*asynq.Task, error) {
	return newScheduledTask(TaskLedgerIntegrity, time.Time{})
}

// NewIdempotencyCleanupTask constructs the idempotency cleanup task.
func NewIdempotencyCleanupTask() (*asynq.Task, error) {
	return newScheduledTask(TaskIdempotencyCleanup, time.Time{})
}

func decodeSchedule(t *asynq.Task) (SchedulePayload, error) {
	var payload SchedulePayload
	if len(t.Payload()) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return payload, asynq.SkipRetry
	}
	return payload, nil
}
