package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"taskpulse.app/pipeline/common/logger"
	"taskpulse.app/pipeline/internal/event"
	"taskpulse.app/pipeline/internal/queue"
)

// ErrInvalidArgument marks a handler failure that no retry can fix. Wrap it
// (fmt.Errorf("...: %w", worker.ErrInvalidArgument)) to skip the backoff.
var ErrInvalidArgument = errors.New("invalid argument")

var errHandlerPanic = errors.New("handler panic")

// EventHandler performs the side effect for one decoded event.
type EventHandler interface {
	Handle(ctx context.Context, ev event.Event) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, ev event.Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev event.Event) error {
	return f(ctx, ev)
}

// RetryPolicy is a fixed backoff: one initial attempt plus MaxRetries retries
// with Backoff between consecutive attempts.
type RetryPolicy struct {
	Backoff    time.Duration
	MaxRetries int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Backoff: time.Second, MaxRetries: 3}
}

func (p RetryPolicy) MaxAttempts() int {
	return p.MaxRetries + 1
}

// RetryEvent describes a failed attempt that is about to be retried.
type RetryEvent struct {
	Delivery queue.Delivery
	Err      error
	Attempt  int
}

// RetryListener observes retries. Listeners run synchronously on the
// consuming goroutine and must return quickly; a panic is logged and ignored.
type RetryListener func(ctx context.Context, ev RetryEvent)

// Outcome is the terminal state of a delivery.
type Outcome int

const (
	OutcomeHandled Outcome = iota
	// OutcomeSkipped: the payload could not be decoded; the handler never ran.
	OutcomeSkipped
	// OutcomeRejected: the handler failed with a non-retryable error.
	OutcomeRejected
	// OutcomeExhausted: every attempt failed with a retryable error.
	OutcomeExhausted
	// OutcomeInterrupted: shutdown cut the retry sequence short. Not terminal;
	// the record must not be committed.
	OutcomeInterrupted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHandled:
		return "handled"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeRejected:
		return "rejected"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeInterrupted:
		return "interrupted"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is what Process did with one delivery.
type Result struct {
	Outcome  Outcome
	Attempts int
	Err      error
}

type CoordinatorConfig struct {
	Policy RetryPolicy
	// NotRetryable lists errors (matched with errors.Is) that fail a delivery
	// on the first attempt. ErrInvalidArgument is always included.
	NotRetryable []error
	Listeners    []RetryListener
	// DeadLetters receives skipped, rejected and exhausted deliveries. Nil
	// drops them after logging.
	DeadLetters queue.DeadLetterSink
	// Sleep waits between attempts. It must return ctx.Err() if ctx ends
	// first. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Coordinator drives one delivery through decode, handler attempts with
// backoff, and dead-lettering. It implements queue.Handler and
// queue.BatchHandler.
type Coordinator struct {
	guard        *Guard
	handler      EventHandler
	policy       RetryPolicy
	notRetryable []error
	listeners    []RetryListener
	deadLetters  queue.DeadLetterSink
	sleep        func(ctx context.Context, d time.Duration) error
	now          func() time.Time
}

func NewCoordinator(guard *Guard, handler EventHandler, cfg CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		guard:        guard,
		handler:      handler,
		policy:       cfg.Policy,
		notRetryable: append([]error{ErrInvalidArgument}, cfg.NotRetryable...),
		listeners:    cfg.Listeners,
		deadLetters:  cfg.DeadLetters,
		sleep:        cfg.Sleep,
		now:          cfg.Now,
	}
	if c.policy.MaxRetries < 0 {
		c.policy.MaxRetries = 0
	}
	if c.deadLetters == nil {
		c.deadLetters = queue.DiscardSink{}
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// IsRetryable reports whether err should be retried under the backoff.
func (c *Coordinator) IsRetryable(err error) bool {
	for _, target := range c.notRetryable {
		if errors.Is(err, target) {
			return false
		}
	}
	return true
}

// Handle implements queue.Handler.
func (c *Coordinator) Handle(ctx context.Context, d queue.Delivery) error {
	if res := c.Process(ctx, d); res.Outcome == OutcomeInterrupted {
		return queue.ErrInterrupted
	}
	return nil
}

// HandleBatch implements queue.BatchHandler. Records are processed in order;
// it stops before starting a new record once stop is closed.
func (c *Coordinator) HandleBatch(ctx context.Context, stop <-chan struct{}, ds []queue.Delivery) (int, error) {
	results := c.ProcessBatch(ctx, stop, ds)
	n := len(results)
	if n > 0 && results[n-1].Outcome == OutcomeInterrupted {
		return n - 1, queue.ErrInterrupted
	}
	if n < len(ds) {
		return n, queue.ErrInterrupted
	}
	return n, nil
}

// ProcessBatch applies Process to each delivery in order. It returns one
// result per delivery it started.
func (c *Coordinator) ProcessBatch(ctx context.Context, stop <-chan struct{}, ds []queue.Delivery) []Result {
	results := make([]Result, 0, len(ds))
	for _, d := range ds {
		select {
		case <-stop:
			return results
		default:
		}
		res := c.Process(ctx, d)
		results = append(results, res)
		if res.Outcome == OutcomeInterrupted {
			return results
		}
	}
	return results
}

// Process takes d to a terminal outcome, or to OutcomeInterrupted if ctx ends
// during an attempt or a backoff.
func (c *Coordinator) Process(ctx context.Context, d queue.Delivery) Result {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		MessageID: logger.Ptr(d.ID()),
		Topic:     logger.Ptr(d.Topic),
		Partition: logger.Ptr(d.Partition),
		Offset:    logger.Ptr(d.Offset),
		Component: "pipeline.worker.coordinator",
	})

	sc := logger.StartSpanFromTraceID(ctx, d.TraceID(), "worker.process_delivery",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.source.name", d.Topic),
			attribute.Int("messaging.kafka.partition", int(d.Partition)),
			attribute.Int64("messaging.kafka.offset", d.Offset),
		))
	defer sc.End()
	ctx = sc.Context()

	ev, err := c.guard.Inspect(ctx, d)
	if err != nil {
		logUndecodable(ctx, d, err)
		c.deadLetter(ctx, d, queue.ReasonUndecodable, err, 0)
		return Result{Outcome: OutcomeSkipped, Err: err}
	}

	fields := logger.LogFields{EventType: logger.Ptr(ev.EventType())}
	if tsc, ok := ev.(event.TaskStatusChanged); ok {
		fields.TaskID = logger.Ptr(tsc.TaskID)
	}
	ctx = logger.WithLogFields(ctx, fields)

	res := c.attempt(ctx, d, ev)
	sc.SetAttributes(
		attribute.String("pipeline.outcome", res.Outcome.String()),
		attribute.Int("pipeline.attempts", res.Attempts))
	if res.Err != nil && res.Outcome != OutcomeInterrupted {
		sc.RecordError(res.Err)
	}
	return res
}

func (c *Coordinator) attempt(ctx context.Context, d queue.Delivery, ev event.Event) Result {
	maxAttempts := c.policy.MaxAttempts()
	for attempt := 1; ; attempt++ {
		actx := logger.WithLogFields(ctx, logger.LogFields{Attempt: logger.Ptr(attempt)})

		err := c.handleSafe(actx, ev)
		if err == nil {
			if attempt > 1 {
				slog.InfoContext(actx, "delivery succeeded after retry")
			} else {
				slog.DebugContext(actx, "delivery handled")
			}
			return Result{Outcome: OutcomeHandled, Attempts: attempt}
		}

		// ctx ends only at the drain timeout; the attempt was cut short, not failed.
		if ctx.Err() != nil {
			slog.WarnContext(actx, "shutdown interrupted delivery attempt, leaving delivery uncommitted", "error", err)
			return Result{Outcome: OutcomeInterrupted, Attempts: attempt, Err: err}
		}

		if !c.IsRetryable(err) {
			slog.ErrorContext(actx, "delivery failed with non-retryable error", "error", err)
			c.deadLetter(actx, d, queue.ReasonNonRetryable, err, attempt)
			return Result{Outcome: OutcomeRejected, Attempts: attempt, Err: err}
		}

		if attempt >= maxAttempts {
			slog.ErrorContext(actx, "retries exhausted, giving up on delivery",
				"error", err,
				"max_attempts", maxAttempts)
			c.deadLetter(actx, d, queue.ReasonExhausted, err, attempt)
			return Result{Outcome: OutcomeExhausted, Attempts: attempt, Err: err}
		}

		slog.WarnContext(actx, "delivery attempt failed, retrying",
			"error", err,
			"backoff", c.policy.Backoff)
		c.notify(actx, RetryEvent{Delivery: d, Err: err, Attempt: attempt})

		if serr := c.sleep(ctx, c.policy.Backoff); serr != nil {
			slog.WarnContext(actx, "shutdown during backoff, leaving delivery uncommitted", "error", err)
			return Result{Outcome: OutcomeInterrupted, Attempts: attempt, Err: err}
		}
	}
}

func (c *Coordinator) handleSafe(ctx context.Context, ev event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in handler", "panic", r)
			err = fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()
	return c.handler.Handle(ctx, ev)
}

func (c *Coordinator) notify(ctx context.Context, ev RetryEvent) {
	for _, l := range c.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.ErrorContext(ctx, "panic recovered in retry listener", "panic", r)
				}
			}()
			l(ctx, ev)
		}()
	}
}

func (c *Coordinator) deadLetter(ctx context.Context, d queue.Delivery, reason string, err error, attempts int) {
	dl := queue.DeadLetter{
		Delivery: d,
		Reason:   reason,
		Err:      err,
		Attempts: attempts,
		FailedAt: c.now(),
	}
	// The record is committed after this regardless of shutdown.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if serr := c.deadLetters.Send(sendCtx, dl); serr != nil {
		slog.ErrorContext(ctx, "dead-letter sink failed, delivery dropped",
			"reason", reason,
			"error", serr)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// LogRetries is a RetryListener that logs each retry.
func LogRetries(ctx context.Context, ev RetryEvent) {
	slog.WarnContext(ctx, "retry scheduled",
		"message_id", ev.Delivery.ID(),
		"failed_attempt", ev.Attempt,
		"error", ev.Err)
}
