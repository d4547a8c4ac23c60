// Package notify delivers credit workflow notifications through the job queue.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/tradecredit/creditdesk/internal/credit"
)

// TaskTypeTransition is the asynq task carrying a committed transition.
const TaskTypeTransition = "credit:transition.notify"

// Enqueuer submits tasks to the queue. *asynq.Client satisfies it.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Notifier turns transition events into queued notification tasks.
type Notifier struct {
	enqueuer Enqueuer
	queue    string
	logger   *slog.Logger
}

// NewNotifier builds a Notifier publishing to queue.
func NewNotifier(enqueuer Enqueuer, queue string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if queue == "" {
		queue = "default"
	}
	return &Notifier{enqueuer: enqueuer, queue: queue, logger: logger}
}

// NewTransitionTask encodes evt as an asynq task.
func NewTransitionTask(evt credit.TransitionEvent) (*asynq.Task, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeTransition, data), nil
}

// NotifyTransition enqueues evt. Events without recipients are dropped.
func (n *Notifier) NotifyTransition(ctx context.Context, evt credit.TransitionEvent) error {
	if n == nil || n.enqueuer == nil {
		return errors.New("notifier not configured")
	}
	if len(evt.Recipients) == 0 {
		return nil
	}
	task, err := NewTransitionTask(evt)
	if err != nil {
		return fmt.Errorf("encode transition: %w", err)
	}
	info, err := n.enqueuer.EnqueueContext(ctx, task, asynq.Queue(n.queue), asynq.MaxRetry(5))
	if err != nil {
		return fmt.Errorf("enqueue transition: %w", err)
	}
	attrs := []any{
		slog.String("application_id", evt.ApplicationID.String()),
		slog.String("action", string(evt.Action)),
	}
	if info != nil {
		attrs = append(attrs, slog.String("task_id", info.ID))
	}
	n.logger.Debug("transition notification queued", attrs...)
	return nil
}
