package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrUnknownStatus = errors.New("unknown task status")

// TaskStatus is closed within one deployment; values outside the set are
// rejected at every boundary (JSON, store, envelope).
type TaskStatus string

const (
	TaskStatusActive     TaskStatus = "Active"
	TaskStatusProcessing TaskStatus = "Processing"
	TaskStatusCompleted  TaskStatus = "Completed"
)

var taskStatuses = []TaskStatus{
	TaskStatusActive,
	TaskStatusProcessing,
	TaskStatusCompleted,
}

// TaskStatuses returns the closed set in declaration order.
func TaskStatuses() []TaskStatus {
	return append([]TaskStatus(nil), taskStatuses...)
}

func (s TaskStatus) Valid() bool {
	for _, known := range taskStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s TaskStatus) String() string {
	return string(s)
}

// ParseTaskStatus is case-sensitive: "Processing" is valid, "processing" is not.
func ParseTaskStatus(s string) (TaskStatus, error) {
	status := TaskStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("%w %q", ErrUnknownStatus, s)
	}
	return status, nil
}

func (s *TaskStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("status must be a string: %w", err)
	}
	status, err := ParseTaskStatus(raw)
	if err != nil {
		return err
	}
	*s = status
	return nil
}

type Task struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description *string    `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
