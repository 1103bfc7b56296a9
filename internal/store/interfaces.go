package store

import (
	"context"
	"errors"

	"taskpulse.app/pipeline/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// TaskStore defines the contract for task data access
type TaskStore interface {
	GetByID(ctx context.Context, id int64) (*model.Task, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id int64) (*model.Task, error)
	Create(ctx context.Context, task *model.Task) error
	Update(ctx context.Context, task *model.Task) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, limit, offset int32) ([]model.Task, error)
}
