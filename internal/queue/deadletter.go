package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Reasons a delivery ends up dead-lettered.
const (
	ReasonUndecodable  = "undecodable"
	ReasonNonRetryable = "non_retryable"
	ReasonExhausted    = "retries_exhausted"
)

// DeadLetter is a delivery the pipeline gave up on.
type DeadLetter struct {
	Delivery Delivery
	Reason   string
	Err      error
	Attempts int
	FailedAt time.Time
}

func (dl DeadLetter) errorText() string {
	if dl.Err == nil {
		return ""
	}
	return dl.Err.Error()
}

// DeadLetterSink parks failed deliveries for later inspection. Send is called
// before the original record is committed; an error is logged and the record
// is committed anyway so one poisoned sink cannot stall a partition.
type DeadLetterSink interface {
	Send(ctx context.Context, dl DeadLetter) error
}

// DiscardSink drops dead letters after logging them.
type DiscardSink struct {
	Logger *slog.Logger
}

func (s DiscardSink) Send(ctx context.Context, dl DeadLetter) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "dropping failed delivery",
		"message_id", dl.Delivery.ID(),
		"reason", dl.Reason,
		"attempts", dl.Attempts,
		"error", dl.errorText())
	return nil
}

// KafkaDeadLetterSink republishes the original bytes to <topic><suffix> with
// the failure recorded in headers.
type KafkaDeadLetterSink struct {
	client *kgo.Client
	suffix string
}

// NewKafkaDeadLetterSink uses cl for producing; the caller owns cl.
func NewKafkaDeadLetterSink(cl *kgo.Client, suffix string) *KafkaDeadLetterSink {
	return &KafkaDeadLetterSink{client: cl, suffix: suffix}
}

func (s *KafkaDeadLetterSink) TopicFor(source string) string {
	return source + s.suffix
}

func (s *KafkaDeadLetterSink) Send(ctx context.Context, dl DeadLetter) error {
	d := dl.Delivery
	rec := &kgo.Record{
		Topic: s.TopicFor(d.Topic),
		Key:   d.Key,
		Value: d.Value,
	}
	for k, v := range d.Headers {
		rec.Headers = append(rec.Headers, header(k, v))
	}
	rec.Headers = append(rec.Headers,
		header(HeaderOriginalTopic, d.Topic),
		header(HeaderOriginalPartition, itoa(int64(d.Partition))),
		header(HeaderOriginalOffset, itoa(d.Offset)),
		header(HeaderFailureReason, dl.Reason),
		header(HeaderFailureError, dl.errorText()),
		header(HeaderRetryCount, itoa(int64(max(dl.Attempts-1, 0)))),
		header(HeaderFailedAt, dl.FailedAt.UTC().Format(time.RFC3339Nano)),
	)

	if err := s.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce dead letter (topic=%s): %w", rec.Topic, err)
	}

	slog.ErrorContext(ctx, "delivery sent to dead-letter topic",
		"message_id", d.ID(),
		"dead_letter_topic", rec.Topic,
		"reason", dl.Reason,
		"final_error", dl.errorText())
	return nil
}

// RedisDeadLetterSink appends dead letters to a Redis stream.
type RedisDeadLetterSink struct {
	client *redis.Client
	stream string
}

func NewRedisDeadLetterSink(client *redis.Client, stream string) *RedisDeadLetterSink {
	return &RedisDeadLetterSink{client: client, stream: stream}
}

func (s *RedisDeadLetterSink) Send(ctx context.Context, dl DeadLetter) error {
	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: deadLetterValues(dl),
	}).Err(); err != nil {
		return fmt.Errorf("xadd dead letter (stream=%s): %w", s.stream, err)
	}

	slog.ErrorContext(ctx, "delivery sent to dead-letter stream",
		"message_id", dl.Delivery.ID(),
		"dead_letter_stream", s.stream,
		"reason", dl.Reason,
		"final_error", dl.errorText())
	return nil
}

// DeadLetterEntry is a dead letter read back from the Redis stream.
type DeadLetterEntry struct {
	StreamID  string
	Topic     string
	Partition int32
	Offset    int64
	Payload   string
	Reason    string
	Error     string
	Attempts  int
	TraceID   string
	FailedAt  time.Time
}

// List returns up to count of the oldest dead letters.
func (s *RedisDeadLetterSink) List(ctx context.Context, count int64) ([]DeadLetterEntry, error) {
	msgs, err := s.client.XRangeN(ctx, s.stream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange dead letters (stream=%s): %w", s.stream, err)
	}

	entries := make([]DeadLetterEntry, 0, len(msgs))
	for _, msg := range msgs {
		entry, err := parseDeadLetter(msg)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", msg.ID, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func deadLetterValues(dl DeadLetter) map[string]any {
	d := dl.Delivery
	values := map[string]any{
		"topic":     d.Topic,
		"partition": d.Partition,
		"offset":    d.Offset,
		"payload":   string(d.Value),
		"reason":    dl.Reason,
		"error":     dl.errorText(),
		"attempts":  dl.Attempts,
		"failed_at": dl.FailedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(d.Key) > 0 {
		values["key"] = string(d.Key)
	}
	if traceID := d.TraceID(); traceID != "" {
		values["trace_id"] = traceID
	}
	return values
}

func parseDeadLetter(msg redis.XMessage) (DeadLetterEntry, error) {
	partition, err := parseInt64(msg.Values, "partition")
	if err != nil {
		return DeadLetterEntry{}, err
	}
	offset, err := parseInt64(msg.Values, "offset")
	if err != nil {
		return DeadLetterEntry{}, err
	}
	attempts, err := parseInt64(msg.Values, "attempts")
	if err != nil {
		return DeadLetterEntry{}, err
	}
	failedAt, err := time.Parse(time.RFC3339Nano, parseString(msg.Values, "failed_at"))
	if err != nil {
		return DeadLetterEntry{}, fmt.Errorf("parsing failed_at: %w", err)
	}

	return DeadLetterEntry{
		StreamID:  msg.ID,
		Topic:     parseString(msg.Values, "topic"),
		Partition: int32(partition),
		Offset:    offset,
		Payload:   parseString(msg.Values, "payload"),
		Reason:    parseString(msg.Values, "reason"),
		Error:     parseString(msg.Values, "error"),
		Attempts:  int(attempts),
		TraceID:   parseString(msg.Values, "trace_id"),
		FailedAt:  failedAt,
	}, nil
}

func parseInt64(values map[string]any, key string) (int64, error) {
	raw, ok := values[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	num, err := strconv.ParseInt(fmt.Sprint(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func parseString(values map[string]any, key string) string {
	raw, ok := values[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(raw)
}
