package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"taskpulse.app/pipeline/common/id"
	"taskpulse.app/pipeline/common/logger"
	"taskpulse.app/pipeline/internal/event"
	"taskpulse.app/pipeline/internal/model"
	"taskpulse.app/pipeline/internal/queue"
	"taskpulse.app/pipeline/internal/store"
)

// EmitPolicy decides what happens when no publisher is configured.
type EmitPolicy string

const (
	// EmitSkip updates tasks without emitting events.
	EmitSkip EmitPolicy = "skip"
	// EmitRequire refuses to build a service without a publisher.
	EmitRequire EmitPolicy = "require"
)

var (
	ErrPublisherRequired = errors.New("task events are required but no publisher is configured")
	ErrEmptyTitle        = errors.New("task title is required")
)

type CreateTaskParams struct {
	Title       string
	Description *string
}

// UpdateTaskParams applies only the non-nil fields.
type UpdateTaskParams struct {
	Title       *string
	Description *string
	Status      *model.TaskStatus
}

// UpdateResult reports the saved task and what happened to its event.
// PublishErr never undoes the update.
type UpdateResult struct {
	Task          *model.Task
	StatusChanged bool
	Published     bool
	PublishErr    error
}

type TaskServiceConfig struct {
	Topic      string
	EmitPolicy EmitPolicy
}

type TaskService interface {
	Create(ctx context.Context, params CreateTaskParams) (*model.Task, error)
	Get(ctx context.Context, id int64) (*model.Task, error)
	List(ctx context.Context, limit, offset int32) ([]model.Task, error)
	Update(ctx context.Context, id int64, params UpdateTaskParams) (*UpdateResult, error)
	Delete(ctx context.Context, id int64) error
}

type taskService struct {
	txRunner  TxRunner
	tasks     store.TaskStore
	publisher queue.Publisher
	cfg       TaskServiceConfig
}

// NewTaskService builds the service. publisher may be nil; cfg.EmitPolicy
// decides whether that is allowed.
func NewTaskService(txRunner TxRunner, tasks store.TaskStore, publisher queue.Publisher, cfg TaskServiceConfig) (TaskService, error) {
	if cfg.EmitPolicy == "" {
		cfg.EmitPolicy = EmitSkip
	}
	switch cfg.EmitPolicy {
	case EmitSkip:
	case EmitRequire:
		if publisher == nil {
			return nil, ErrPublisherRequired
		}
	default:
		return nil, fmt.Errorf("unknown emit policy %q", cfg.EmitPolicy)
	}
	if publisher != nil && cfg.Topic == "" {
		return nil, queue.ErrEmptyTopic
	}

	return &taskService{
		txRunner:  txRunner,
		tasks:     tasks,
		publisher: publisher,
		cfg:       cfg,
	}, nil
}

func (s *taskService) Create(ctx context.Context, params CreateTaskParams) (*model.Task, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return nil, ErrEmptyTitle
	}

	task := &model.Task{
		ID:          id.New(),
		Title:       title,
		Description: params.Description,
		Status:      model.TaskStatusActive,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		slog.ErrorContext(ctx, "failed to create task", "error", err)
		return nil, fmt.Errorf("creating task: %w", err)
	}

	slog.InfoContext(ctx, "task created", "task_id", task.ID)
	return task, nil
}

func (s *taskService) Get(ctx context.Context, id int64) (*model.Task, error) {
	return s.tasks.GetByID(ctx, id)
}

func (s *taskService) List(ctx context.Context, limit, offset int32) ([]model.Task, error) {
	return s.tasks.List(ctx, limit, offset)
}

func (s *taskService) Delete(ctx context.Context, id int64) error {
	if err := s.tasks.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting task %d: %w", id, err)
	}
	slog.InfoContext(ctx, "task deleted", "task_id", id)
	return nil
}

// Update saves the change in a transaction and, once it has committed,
// publishes a status change event when params carried a status.
func (s *taskService) Update(ctx context.Context, id int64, params UpdateTaskParams) (*UpdateResult, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		TaskID:    logger.Ptr(id),
		Component: "pipeline.service.task",
	})

	if params.Status != nil && !params.Status.Valid() {
		return nil, fmt.Errorf("%w %q", model.ErrUnknownStatus, *params.Status)
	}
	if params.Title != nil && strings.TrimSpace(*params.Title) == "" {
		return nil, ErrEmptyTitle
	}

	result := &UpdateResult{}
	err := s.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		task, err := sp.Tasks().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}

		previous := task.Status
		if params.Title != nil {
			task.Title = strings.TrimSpace(*params.Title)
		}
		if params.Description != nil {
			task.Description = params.Description
		}
		if params.Status != nil {
			task.Status = *params.Status
		}

		if err := sp.Tasks().Update(ctx, task); err != nil {
			return err
		}
		result.Task = task
		result.StatusChanged = previous != task.Status
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("updating task %d: %w", id, err)
	}

	slog.InfoContext(ctx, "task updated", "status", result.Task.Status, "status_changed", result.StatusChanged)

	if params.Status != nil {
		result.Published, result.PublishErr = s.publishStatus(ctx, result.Task)
	}
	return result, nil
}

func (s *taskService) publishStatus(ctx context.Context, task *model.Task) (bool, error) {
	if s.publisher == nil {
		slog.DebugContext(ctx, "no publisher configured, skipping status event")
		return false, nil
	}

	ev, err := event.NewTaskStatusChanged(task.ID, task.Status)
	if err != nil {
		return false, err
	}
	if err := s.publisher.Publish(ctx, s.cfg.Topic, ev); err != nil {
		slog.ErrorContext(ctx, "failed to publish task status change, update kept",
			"error", err,
			"topic", s.cfg.Topic)
		return false, err
	}
	return true, nil
}
