package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kslog"
)

// ListenerMode selects whether the handler sees one record or a partition's
// whole poll batch at a time.
type ListenerMode string

const (
	ListenerRecord ListenerMode = "record"
	ListenerBatch  ListenerMode = "batch"
)

// AckMode selects when offsets are committed when auto-commit is off.
type AckMode string

const (
	AckRecord AckMode = "record"
	AckBatch  AckMode = "batch"
)

// DefaultMaxPollRecords keeps a poll of fully failing records (four attempts
// each, SMTP timeouts included) close to the 60s rebalance timeout.
const DefaultMaxPollRecords = 10

var validate = validator.New(validator.WithRequiredStructEnabled())

type ConsumerConfig struct {
	Brokers  []string `validate:"required,min=1"`
	ClientID string
	GroupID  string   `validate:"required"`
	Topics   []string `validate:"required,min=1,dive,required"`
	// ResetOffset applies when the group has no committed offset: earliest or latest.
	ResetOffset  string       `validate:"oneof=earliest latest"`
	AutoCommit   bool
	ListenerMode ListenerMode `validate:"oneof=record batch"`
	AckMode      AckMode      `validate:"oneof=record batch"`
	PollTimeout  time.Duration `validate:"gt=0"`
	// Concurrency is the number of group members run by this process.
	Concurrency int `validate:"gte=1"`
	// DrainTimeout bounds how long in-flight deliveries may run after shutdown starts.
	DrainTimeout time.Duration `validate:"gte=0"`
	// MaxPollRecords caps one poll. Rebalances wait until the whole poll is
	// handled, and each record may spend its full retry sequence, so this
	// stays small enough to finish inside the group's rebalance timeout.
	MaxPollRecords int `validate:"gte=0"`
	Logger         *slog.Logger
}

// KafkaConsumer runs Concurrency group members. Each member polls, hands
// records to the handler strictly in partition order and commits only what
// reached a terminal outcome.
type KafkaConsumer struct {
	cfg      ConsumerConfig
	handler  Handler
	batch    BatchHandler
	opts     []kgo.Opt
	instance string

	polling atomic.Int32
}

// NewKafkaConsumer builds a runner. batch may be nil when the listener mode is
// record. Extra kgo options are appended to every member's client.
func NewKafkaConsumer(cfg ConsumerConfig, handler Handler, batch BatchHandler, opts ...kgo.Opt) (*KafkaConsumer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = DefaultMaxPollRecords
	}
	if handler == nil {
		return nil, errors.New("consumer: handler is required")
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("consumer config: %w", err)
	}
	if cfg.ListenerMode == ListenerBatch && batch == nil {
		return nil, errors.New("consumer: batch listener mode requires a batch handler")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = cfg.GroupID
	}

	return &KafkaConsumer{
		cfg:      cfg,
		handler:  handler,
		batch:    batch,
		opts:     opts,
		instance: uuid.NewString()[:8],
	}, nil
}

// Ready reports whether every member has completed at least one poll.
func (c *KafkaConsumer) Ready() bool {
	return int(c.polling.Load()) >= c.cfg.Concurrency
}

// Run blocks until ctx is cancelled and all members have drained, or until a
// member fails to start.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "consumer started",
		"group_id", c.cfg.GroupID,
		"topics", c.cfg.Topics,
		"concurrency", c.cfg.Concurrency,
		"listener_mode", c.cfg.ListenerMode,
		"ack_mode", c.cfg.AckMode,
		"auto_commit", c.cfg.AutoCommit)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < c.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := c.runMember(ctx, n); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("member %d: %w", n, err))
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	slog.InfoContext(ctx, "consumer stopped", "group_id", c.cfg.GroupID)
	return errors.Join(errs...)
}

func (c *KafkaConsumer) clientOpts(n int) []kgo.Opt {
	reset := kgo.NewOffset().AtStart()
	if c.cfg.ResetOffset == "latest" {
		reset = kgo.NewOffset().AtEnd()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(c.cfg.Brokers...),
		kgo.ClientID(fmt.Sprintf("%s-%s-%d", c.cfg.ClientID, c.instance, n)),
		kgo.ConsumerGroup(c.cfg.GroupID),
		kgo.ConsumeTopics(c.cfg.Topics...),
		kgo.ConsumeResetOffset(reset),
		kgo.BlockRebalanceOnPoll(),
		kgo.WithLogger(kslog.New(c.cfg.Logger)),
	}
	if c.cfg.AutoCommit {
		opts = append(opts, kgo.AutoCommitMarks())
	} else {
		opts = append(opts, kgo.DisableAutoCommit())
	}
	return append(opts, c.opts...)
}

type member struct {
	c      *KafkaConsumer
	client *kgo.Client
	n      int

	// procCtx outlives the run context by at most DrainTimeout.
	procCtx context.Context
	stop    <-chan struct{}
}

func (c *KafkaConsumer) runMember(ctx context.Context, n int) error {
	client, err := kgo.NewClient(c.clientOpts(n)...)
	if err != nil {
		return fmt.Errorf("creating kafka consumer: %w", err)
	}
	defer client.Close()

	procCtx, cancelProc := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelProc()
	go func() {
		select {
		case <-ctx.Done():
		case <-procCtx.Done():
			return
		}
		timer := time.NewTimer(c.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			slog.WarnContext(procCtx, "drain timeout reached, interrupting in-flight deliveries", "member", n)
			cancelProc()
		case <-procCtx.Done():
		}
	}()

	m := &member{c: c, client: client, n: n, procCtx: procCtx, stop: ctx.Done()}
	counted := false
	for {
		if ctx.Err() != nil {
			break
		}

		pollCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
		fetches := client.PollRecords(pollCtx, c.cfg.MaxPollRecords)
		cancel()
		if fetches.IsClientClosed() {
			break
		}
		if !counted {
			c.polling.Add(1)
			counted = true
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			slog.ErrorContext(ctx, "fetch error", "topic", topic, "partition", partition, "error", err)
		})

		interrupted := m.processFetches(fetches)
		client.AllowRebalance()
		if interrupted {
			break
		}
	}

	if counted {
		c.polling.Add(-1)
	}
	m.finalCommit()
	return nil
}

// processFetches handles every partition of one poll and commits per the ack
// mode. It reports whether processing stopped early for shutdown.
func (m *member) processFetches(fetches kgo.Fetches) bool {
	var (
		handled     []*kgo.Record
		interrupted bool
	)
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		if interrupted || len(p.Records) == 0 {
			return
		}
		var done []*kgo.Record
		if m.c.cfg.ListenerMode == ListenerBatch {
			done, interrupted = m.handleBatch(p.Records)
		} else {
			done, interrupted = m.handleRecords(p.Records)
		}
		handled = append(handled, done...)
	})

	if len(handled) > 0 && (m.c.cfg.AutoCommit || m.c.cfg.AckMode == AckBatch) {
		m.commit(handled...)
	}
	return interrupted
}

func (m *member) stopping() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

func (m *member) handleRecords(records []*kgo.Record) ([]*kgo.Record, bool) {
	done := make([]*kgo.Record, 0, len(records))
	for _, rec := range records {
		if m.stopping() {
			return done, true
		}
		if err := m.c.handler.Handle(m.procCtx, deliveryFromRecord(rec)); err != nil {
			if errors.Is(err, ErrInterrupted) {
				return done, true
			}
			// Handlers own retries; anything else they return is final.
			slog.ErrorContext(m.procCtx, "handler returned error, committing past record",
				"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
		}
		done = append(done, rec)
		if !m.c.cfg.AutoCommit && m.c.cfg.AckMode == AckRecord {
			m.commit(rec)
		}
	}
	return done, false
}

func (m *member) handleBatch(records []*kgo.Record) ([]*kgo.Record, bool) {
	ds := make([]Delivery, len(records))
	for i, rec := range records {
		ds[i] = deliveryFromRecord(rec)
	}

	n, err := m.c.batch.HandleBatch(m.procCtx, m.stop, ds)
	n = min(max(n, 0), len(records))
	if err != nil && !errors.Is(err, ErrInterrupted) {
		slog.ErrorContext(m.procCtx, "batch handler returned error", "handled", n, "error", err)
	}
	done := records[:n]
	if !m.c.cfg.AutoCommit && m.c.cfg.AckMode == AckRecord {
		m.commit(done...)
	}
	return done, n < len(records)
}

// commit acknowledges records. With auto-commit the records are only marked
// and the client commits marks on its interval and on close.
func (m *member) commit(records ...*kgo.Record) {
	if len(records) == 0 {
		return
	}
	if m.c.cfg.AutoCommit {
		m.client.MarkCommitRecords(records...)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.procCtx), 10*time.Second)
	defer cancel()
	if err := m.client.CommitRecords(ctx, records...); err != nil {
		last := records[len(records)-1]
		slog.WarnContext(ctx, "offset commit failed, records may be redelivered",
			"topic", last.Topic, "partition", last.Partition, "offset", last.Offset, "error", err)
	}
}

func (m *member) finalCommit() {
	if !m.c.cfg.AutoCommit {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.procCtx), 10*time.Second)
	defer cancel()
	if err := m.client.CommitMarkedOffsets(ctx); err != nil {
		slog.WarnContext(ctx, "committing marked offsets on shutdown", "member", m.n, "error", err)
	}
}
