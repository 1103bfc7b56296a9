package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"taskpulse.app/pipeline/core/db"
	"taskpulse.app/pipeline/internal/model"
)

const taskColumns = `id, title, description, status, created_at, updated_at`

type taskStore struct {
	q db.Querier
}

func newTaskStore(q db.Querier) TaskStore {
	return &taskStore{q: q}
}

func (s *taskStore) GetByID(ctx context.Context, id int64) (*model.Task, error) {
	return s.get(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
}

func (s *taskStore) GetForUpdate(ctx context.Context, id int64) (*model.Task, error) {
	return s.get(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
}

func (s *taskStore) get(ctx context.Context, query string, id int64) (*model.Task, error) {
	task, err := scanTask(s.q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return task, nil
}

func (s *taskStore) Create(ctx context.Context, task *model.Task) error {
	row := s.q.QueryRow(ctx, `
		INSERT INTO tasks (id, title, description, status)
		VALUES ($1, $2, $3, $4)
		RETURNING `+taskColumns,
		task.ID, task.Title, task.Description, string(task.Status))
	created, err := scanTask(row)
	if err != nil {
		return err
	}
	*task = *created
	return nil
}

func (s *taskStore) Update(ctx context.Context, task *model.Task) error {
	row := s.q.QueryRow(ctx, `
		UPDATE tasks
		SET title = $2, description = $3, status = $4, updated_at = now()
		WHERE id = $1
		RETURNING `+taskColumns,
		task.ID, task.Title, task.Description, string(task.Status))
	updated, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	*task = *updated
	return nil
}

func (s *taskStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *taskStore) List(ctx context.Context, limit, offset int32) ([]model.Task, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		ORDER BY id
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*model.Task, error) {
	var (
		task   model.Task
		status string
	)
	if err := row.Scan(&task.ID, &task.Title, &task.Description, &status, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := model.ParseTaskStatus(status)
	if err != nil {
		return nil, fmt.Errorf("task %d: %w", task.ID, err)
	}
	task.Status = parsed
	return &task, nil
}
