package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/tradecredit/creditdesk/internal/credit"
)

// Deliverer sends a rendered message over some channel.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

// LogDeliverer writes notifications to the structured log.
type LogDeliverer struct {
	Logger *slog.Logger
}

// Deliver logs msg.
func (d LogDeliverer) Deliver(_ context.Context, msg Message) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		slog.String("recipient", string(msg.Recipient)),
		slog.String("importer_id", msg.ImporterID),
		slog.String("subject", msg.Subject),
		slog.String("body", msg.Body))
	return nil
}

// Dispatcher is the worker side of TaskTypeTransition.
type Dispatcher struct {
	renderer  *Renderer
	deliverer Deliverer
	logger    *slog.Logger
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(renderer *Renderer, deliverer Deliverer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{renderer: renderer, deliverer: deliverer, logger: logger}
}

// Handle renders the queued event and delivers every message. Undecodable
// payloads are not retried.
func (d *Dispatcher) Handle(ctx context.Context, t *asynq.Task) error {
	var evt credit.TransitionEvent
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		d.logger.Warn("drop transition notification", slog.Any("error", err))
		return asynq.SkipRetry
	}
	for _, msg := range d.renderer.Render(evt) {
		if err := d.deliverer.Deliver(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}
