package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Record header keys written by the producer and the dead-letter sinks.
const (
	HeaderEventID           = "event-id"
	HeaderEventType         = "event-type"
	HeaderTraceID           = "trace-id"
	HeaderOriginalTopic     = "original-topic"
	HeaderOriginalPartition = "original-partition"
	HeaderOriginalOffset    = "original-offset"
	HeaderFailureReason     = "failure-reason"
	HeaderFailureError      = "failure-error"
	HeaderRetryCount        = "retry-count"
	HeaderFailedAt          = "failed-at"
)

var (
	ErrEmptyTopic = errors.New("topic name is empty")

	// ErrInterrupted is returned by a Handler when shutdown cut a delivery's
	// retry sequence short. The record is left uncommitted and will be
	// redelivered to the next owner of the partition.
	ErrInterrupted = errors.New("delivery interrupted by shutdown")
)

// Delivery is one record as seen by the consuming side, independent of the
// client library that fetched it.
type Delivery struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// ID identifies the delivery for logs: topic/partition@offset.
func (d Delivery) ID() string {
	return fmt.Sprintf("%s/%d@%d", d.Topic, d.Partition, d.Offset)
}

func (d Delivery) Header(key string) string {
	if d.Headers == nil {
		return ""
	}
	return d.Headers[key]
}

func (d Delivery) TraceID() string {
	return d.Header(HeaderTraceID)
}

// Handler takes one delivery to a terminal outcome (handled, skipped,
// rejected or exhausted). A nil error means the record may be committed.
type Handler interface {
	Handle(ctx context.Context, d Delivery) error
}

// BatchHandler receives all records fetched for one partition in a poll. It
// handles them in order and returns how many leading records reached a
// terminal outcome. It must stop starting new records once stop is closed.
type BatchHandler interface {
	HandleBatch(ctx context.Context, stop <-chan struct{}, ds []Delivery) (int, error)
}

func deliveryFromRecord(r *kgo.Record) Delivery {
	d := Delivery{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Timestamp: r.Timestamp,
	}
	if len(r.Headers) > 0 {
		d.Headers = make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			d.Headers[h.Key] = string(h.Value)
		}
	}
	return d
}

func header(key, value string) kgo.RecordHeader {
	return kgo.RecordHeader{Key: key, Value: []byte(value)}
}

func itoa(i int64) string {
	return strconv.FormatInt(i, 10)
}
