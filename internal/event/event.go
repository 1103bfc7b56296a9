// Package event defines the wire envelope exchanged between the task service
// and the notification pipeline.
//
// Payloads are JSON objects carrying a "type" tag next to the event fields:
//
//	{"status":"Processing","taskId":1,"type":"task.status_changed"}
//
// The tag is resolved against a Registry built from an explicit allowlist, so
// bytes from the topic can only ever become one of the value types known here.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"taskpulse.app/pipeline/internal/model"
)

const TypeTaskStatusChanged = "task.status_changed"

var (
	ErrMalformed     = errors.New("malformed payload")
	ErrMissingType   = errors.New("missing type tag")
	ErrUntrustedType = errors.New("untrusted type tag")
	ErrInvalidEvent  = errors.New("invalid event")
)

// Event is a value that can travel in an envelope.
type Event interface {
	EventType() string
	Validate() error
}

// Keyed events can supply a partition key when the producer is configured to key records.
type Keyed interface {
	PartitionKey() []byte
}

// TaskStatusChanged records that a task moved to a new status. It is a plain
// value: two events are equal when their fields are equal.
type TaskStatusChanged struct {
	TaskID int64            `json:"taskId"`
	Status model.TaskStatus `json:"status"`
}

// NewTaskStatusChanged builds a validated event.
func NewTaskStatusChanged(taskID int64, status model.TaskStatus) (TaskStatusChanged, error) {
	ev := TaskStatusChanged{TaskID: taskID, Status: status}
	if err := ev.Validate(); err != nil {
		return TaskStatusChanged{}, err
	}
	return ev, nil
}

func (TaskStatusChanged) EventType() string {
	return TypeTaskStatusChanged
}

func (e TaskStatusChanged) Validate() error {
	if e.TaskID <= 0 {
		return fmt.Errorf("%w: taskId must be positive, got %d", ErrInvalidEvent, e.TaskID)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, e.Status)
	}
	return nil
}

func (e TaskStatusChanged) PartitionKey() []byte {
	return []byte(strconv.FormatInt(e.TaskID, 10))
}

// taskStatusChangedWire uses pointers so that absent fields are told apart
// from zero values.
type taskStatusChangedWire struct {
	TaskID *int64            `json:"taskId"`
	Status *model.TaskStatus `json:"status"`
}

func decodeTaskStatusChanged(data []byte) (Event, error) {
	var wire taskStatusChangedWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wire.TaskID == nil {
		return nil, fmt.Errorf("%w: missing taskId", ErrInvalidEvent)
	}
	if wire.Status == nil {
		return nil, fmt.Errorf("%w: missing status", ErrInvalidEvent)
	}

	ev := TaskStatusChanged{TaskID: *wire.TaskID, Status: *wire.Status}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// Encode serializes ev with its type tag. Invalid events are rejected so that
// nothing undecodable is ever produced.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.EventType(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("marshal %s: event is not a JSON object: %w", ev.EventType(), err)
	}
	tag, err := json.Marshal(ev.EventType())
	if err != nil {
		return nil, fmt.Errorf("marshal type tag: %w", err)
	}
	fields["type"] = tag

	return json.Marshal(fields)
}
