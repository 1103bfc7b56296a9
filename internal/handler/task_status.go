// Package handler holds the side effects run for decoded pipeline events.
package handler

import (
	"context"
	"fmt"
	"log/slog"

	"taskpulse.app/pipeline/common/logger"
	"taskpulse.app/pipeline/internal/event"
	"taskpulse.app/pipeline/internal/notifier"
	"taskpulse.app/pipeline/internal/worker"
)

const (
	TaskStatusSubject    = "Изменение статуса задачи"
	taskStatusBodyFormat = "Статус задачи с ID %d изменился на %s"
)

// TaskStatusHandler emails a fixed recipient when a task changes status.
type TaskStatusHandler struct {
	notifier  notifier.Notifier
	recipient string
}

func NewTaskStatusHandler(n notifier.Notifier, recipient string) *TaskStatusHandler {
	return &TaskStatusHandler{notifier: n, recipient: recipient}
}

// Handle implements worker.EventHandler.
func (h *TaskStatusHandler) Handle(ctx context.Context, ev event.Event) error {
	switch e := ev.(type) {
	case event.TaskStatusChanged:
		return h.HandleTaskStatusChanged(ctx, e)
	case nil:
		return fmt.Errorf("%w: nil event", worker.ErrInvalidArgument)
	default:
		return fmt.Errorf("%w: no handler for event type %s", worker.ErrInvalidArgument, ev.EventType())
	}
}

// HandleTaskStatusChanged sends one notification per call. Errors carry the
// task id and the delivery attempt.
func (h *TaskStatusHandler) HandleTaskStatusChanged(ctx context.Context, ev event.TaskStatusChanged) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		TaskID:    logger.Ptr(ev.TaskID),
		Component: "pipeline.handler.task_status",
	})
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%w: %v", worker.ErrInvalidArgument, err)
	}

	msg := notifier.Message{
		To:      h.recipient,
		Subject: TaskStatusSubject,
		Body:    TaskStatusBody(ev),
	}
	if err := h.notifier.Send(ctx, msg); err != nil {
		return fmt.Errorf("notifying about task %d (attempt %d): %w", ev.TaskID, logger.AttemptFromContext(ctx), err)
	}

	slog.InfoContext(ctx, "task status notification sent", "status", ev.Status)
	return nil
}

// TaskStatusBody renders the notification text for ev.
func TaskStatusBody(ev event.TaskStatusChanged) string {
	return fmt.Sprintf(taskStatusBodyFormat, ev.TaskID, ev.Status)
}
