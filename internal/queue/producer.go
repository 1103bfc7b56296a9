package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kslog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"taskpulse.app/pipeline/common/id"
	"taskpulse.app/pipeline/common/logger"
	"taskpulse.app/pipeline/internal/event"
)

// Acks is the producer acknowledgment level.
type Acks string

const (
	AcksNone   Acks = "none"
	AcksLeader Acks = "leader"
	AcksAll    Acks = "all"
)

func ParseAcks(s string) (Acks, error) {
	switch a := Acks(s); a {
	case AcksNone, AcksLeader, AcksAll:
		return a, nil
	}
	return "", fmt.Errorf("unknown acks level %q (want none, leader or all)", s)
}

func (a Acks) kgo() kgo.Acks {
	switch a {
	case AcksNone:
		return kgo.NoAck()
	case AcksLeader:
		return kgo.LeaderAck()
	default:
		return kgo.AllISRAcks()
	}
}

// Publisher emits events to a topic. Implementations are safe for concurrent
// use. A nil Publisher means emission is disabled for this deployment.
type Publisher interface {
	// Publish sends ev with a nil key, or with the event's own key when the
	// publisher is configured to key by event.
	Publish(ctx context.Context, topic string, ev event.Event) error
	// PublishKeyed sends ev with an explicit key.
	PublishKeyed(ctx context.Context, topic string, key []byte, ev event.Event) error
	Close()
}

type ProducerConfig struct {
	Brokers     []string
	ClientID    string
	Acks        Acks
	Idempotence bool
	// KeyByEvent keys records with event.Keyed.PartitionKey so one task's
	// events stay on one partition.
	KeyByEvent bool
	// Timeout bounds how long a record may wait for broker acknowledgment,
	// including the client's own retransmissions.
	Timeout time.Duration
	Logger  *slog.Logger
}

func (c ProducerConfig) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("producer: no brokers configured")
	}
	if _, err := ParseAcks(string(c.Acks)); err != nil {
		return fmt.Errorf("producer: %w", err)
	}
	if c.Idempotence && c.Acks != AcksAll {
		return fmt.Errorf("producer: idempotence requires acks=all, got %s", c.Acks)
	}
	return nil
}

// KafkaProducer publishes envelopes with a franz-go client. The client batches
// and flushes on its own goroutines; Publish blocks only until the record is
// acknowledged at the configured level.
type KafkaProducer struct {
	client     *kgo.Client
	keyByEvent bool
	logger     *slog.Logger
}

// NewKafkaProducer builds a producer. Extra kgo options are appended last and
// are used by tests to point at an in-process cluster.
func NewKafkaProducer(cfg ProducerConfig, opts ...kgo.Opt) (*KafkaProducer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(cfg.Acks.kgo()),
		kgo.WithLogger(kslog.New(cfg.Logger)),
	}
	if cfg.ClientID != "" {
		base = append(base, kgo.ClientID(cfg.ClientID))
	}
	if !cfg.Idempotence {
		base = append(base, kgo.DisableIdempotentWrite())
	}
	if cfg.Timeout > 0 {
		base = append(base, kgo.RecordDeliveryTimeout(cfg.Timeout))
	}

	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}

	return &KafkaProducer{
		client:     client,
		keyByEvent: cfg.KeyByEvent,
		logger:     cfg.Logger,
	}, nil
}

func (p *KafkaProducer) Publish(ctx context.Context, topic string, ev event.Event) error {
	var key []byte
	if p.keyByEvent {
		if keyed, ok := ev.(event.Keyed); ok {
			key = keyed.PartitionKey()
		}
	}
	return p.PublishKeyed(ctx, topic, key, ev)
}

func (p *KafkaProducer) PublishKeyed(ctx context.Context, topic string, key []byte, ev event.Event) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	payload, err := event.Encode(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	sc := logger.StartSpan(ctx, "kafka.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.message.type", ev.EventType()),
		))
	defer sc.End()
	ctx = sc.Context()

	eventID := id.NewString()
	rec := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: payload,
		Headers: []kgo.RecordHeader{
			header(HeaderEventID, eventID),
			header(HeaderEventType, ev.EventType()),
		},
	}
	if traceID := sc.TraceID(); traceID != "" {
		rec.Headers = append(rec.Headers, header(HeaderTraceID, traceID))
	}

	produced, err := p.client.ProduceSync(ctx, rec).First()
	if err != nil {
		sc.RecordError(err)
		return fmt.Errorf("publishing %s to %s: %w", ev.EventType(), topic, err)
	}

	p.logger.DebugContext(ctx, "event published",
		"event_id", eventID,
		"event_type", ev.EventType(),
		"topic", produced.Topic,
		"partition", produced.Partition,
		"offset", produced.Offset)
	return nil
}

// Close flushes buffered records and closes the client.
func (p *KafkaProducer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.WarnContext(ctx, "flushing producer on close", "error", err)
	}
	p.client.Close()
}
