package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"taskpulse.app/pipeline/internal/event"
	"taskpulse.app/pipeline/internal/model"
	"taskpulse.app/pipeline/internal/queue"
	"taskpulse.app/pipeline/internal/worker"
)

type recordingSink struct {
	mu      sync.Mutex
	letters []queue.DeadLetter
	err     error
}

func (s *recordingSink) Send(_ context.Context, dl queue.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, dl)
	return s.err
}

type countingHandler struct {
	calls  int
	seen   []event.Event
	errFor func(call int) error
}

func (h *countingHandler) Handle(_ context.Context, ev event.Event) error {
	h.calls++
	h.seen = append(h.seen, ev)
	if h.errFor != nil {
		return h.errFor(h.calls)
	}
	return nil
}

func delivery(offset int64, taskID int64, status model.TaskStatus) queue.Delivery {
	payload, err := event.Encode(event.TaskStatusChanged{TaskID: taskID, Status: status})
	Expect(err).NotTo(HaveOccurred())
	return queue.Delivery{Topic: "task-updates", Partition: 0, Offset: offset, Value: payload}
}

var _ = Describe("Coordinator", func() {
	var (
		ctx      context.Context
		registry *event.Registry
		handler  *countingHandler
		sink     *recordingSink
		sleeps   []time.Duration
		retries  []worker.RetryEvent
		coord    *worker.Coordinator
	)

	build := func(extra ...func(*worker.CoordinatorConfig)) {
		cfg := worker.CoordinatorConfig{
			Policy:      worker.DefaultRetryPolicy(),
			DeadLetters: sink,
			Listeners: []worker.RetryListener{
				func(_ context.Context, ev worker.RetryEvent) { retries = append(retries, ev) },
			},
			Sleep: func(ctx context.Context, d time.Duration) error {
				sleeps = append(sleeps, d)
				return ctx.Err()
			},
		}
		for _, fn := range extra {
			fn(&cfg)
		}
		coord = worker.NewCoordinator(worker.NewGuard(registry), handler, cfg)
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		registry, err = event.NewRegistry(event.TypeTaskStatusChanged)
		Expect(err).NotTo(HaveOccurred())
		handler = &countingHandler{}
		sink = &recordingSink{}
		sleeps = nil
		retries = nil
		build()
	})

	It("hands a valid event to the handler exactly once", func() {
		res := coord.Process(ctx, delivery(0, 1, model.TaskStatusProcessing))

		Expect(res.Outcome).To(Equal(worker.OutcomeHandled))
		Expect(res.Attempts).To(Equal(1))
		Expect(handler.calls).To(Equal(1))
		Expect(handler.seen[0]).To(Equal(event.TaskStatusChanged{TaskID: 1, Status: model.TaskStatusProcessing}))
		Expect(sleeps).To(BeEmpty())
		Expect(retries).To(BeEmpty())
		Expect(sink.letters).To(BeEmpty())
	})

	It("does not retry a non-retryable failure", func() {
		handler.errFor = func(int) error { return fmt.Errorf("bad recipient: %w", worker.ErrInvalidArgument) }

		res := coord.Process(ctx, delivery(3, 1, model.TaskStatusActive))

		Expect(res.Outcome).To(Equal(worker.OutcomeRejected))
		Expect(res.Err).To(MatchError(worker.ErrInvalidArgument))
		Expect(handler.calls).To(Equal(1))
		Expect(sleeps).To(BeEmpty())
		Expect(retries).To(BeEmpty())
		Expect(sink.letters).To(HaveLen(1))
		Expect(sink.letters[0].Reason).To(Equal(queue.ReasonNonRetryable))
		Expect(sink.letters[0].Delivery.Offset).To(BeEquivalentTo(3))
	})

	It("honours extra non-retryable errors", func() {
		errPermanent := errors.New("mailbox does not exist")
		build(func(cfg *worker.CoordinatorConfig) { cfg.NotRetryable = []error{errPermanent} })
		handler.errFor = func(int) error { return fmt.Errorf("send: %w", errPermanent) }

		res := coord.Process(ctx, delivery(0, 1, model.TaskStatusActive))

		Expect(res.Outcome).To(Equal(worker.OutcomeRejected))
		Expect(handler.calls).To(Equal(1))
		Expect(coord.IsRetryable(errPermanent)).To(BeFalse())
		Expect(coord.IsRetryable(errors.New("timeout"))).To(BeTrue())
	})

	It("gives up after one attempt plus three retries spaced by the backoff", func() {
		handler.errFor = func(int) error { return errors.New("smtp connection refused") }

		res := coord.Process(ctx, delivery(7, 9, model.TaskStatusCompleted))

		Expect(res.Outcome).To(Equal(worker.OutcomeExhausted))
		Expect(res.Attempts).To(Equal(4))
		Expect(handler.calls).To(Equal(4))
		Expect(sleeps).To(Equal([]time.Duration{time.Second, time.Second, time.Second}))

		Expect(retries).To(HaveLen(3))
		for i, r := range retries {
			Expect(r.Attempt).To(Equal(i + 1))
			Expect(r.Err).To(MatchError("smtp connection refused"))
			Expect(r.Delivery.Offset).To(BeEquivalentTo(7))
		}

		Expect(sink.letters).To(HaveLen(1))
		Expect(sink.letters[0].Reason).To(Equal(queue.ReasonExhausted))
		Expect(sink.letters[0].Attempts).To(Equal(4))
	})

	It("stops retrying once a transient failure clears", func() {
		handler.errFor = func(call int) error {
			if call <= 2 {
				return errors.New("temporary failure")
			}
			return nil
		}

		res := coord.Process(ctx, delivery(0, 1, model.TaskStatusProcessing))

		Expect(res.Outcome).To(Equal(worker.OutcomeHandled))
		Expect(res.Attempts).To(Equal(3))
		Expect(handler.calls).To(Equal(3))
		Expect(sleeps).To(HaveLen(2))
		Expect(retries).To(HaveLen(2))
		Expect(sink.letters).To(BeEmpty())
	})

	It("treats a handler panic as a retryable failure", func() {
		handler.errFor = func(call int) error {
			if call == 1 {
				panic("nil map write")
			}
			return nil
		}

		res := coord.Process(ctx, delivery(0, 1, model.TaskStatusProcessing))

		Expect(res.Outcome).To(Equal(worker.OutcomeHandled))
		Expect(handler.calls).To(Equal(2))
	})

	It("respects a custom policy", func() {
		build(func(cfg *worker.CoordinatorConfig) {
			cfg.Policy = worker.RetryPolicy{Backoff: 250 * time.Millisecond, MaxRetries: 1}
		})
		handler.errFor = func(int) error { return errors.New("down") }

		res := coord.Process(ctx, delivery(0, 1, model.TaskStatusProcessing))

		Expect(res.Attempts).To(Equal(2))
		Expect(sleeps).To(Equal([]time.Duration{250 * time.Millisecond}))
	})

	It("keeps going when a retry listener panics", func() {
		build(func(cfg *worker.CoordinatorConfig) {
			cfg.Listeners = []worker.RetryListener{
				func(context.Context, worker.RetryEvent) { panic("listener bug") },
				func(_ context.Context, ev worker.RetryEvent) { retries = append(retries, ev) },
			}
		})
		handler.errFor = func(call int) error {
			if call == 1 {
				return errors.New("flaky")
			}
			return nil
		}

		var res worker.Result
		Expect(func() { res = coord.Process(ctx, delivery(0, 1, model.TaskStatusActive)) }).NotTo(Panic())
		Expect(res.Outcome).To(Equal(worker.OutcomeHandled))
		Expect(retries).To(HaveLen(1))
	})

	It("skips undecodable payloads without calling the handler", func() {
		d := queue.Delivery{Topic: "task-updates", Offset: 5, Value: []byte("invalid json")}

		res := coord.Process(ctx, d)

		Expect(res.Outcome).To(Equal(worker.OutcomeSkipped))
		Expect(res.Err).To(MatchError(event.ErrMalformed))
		Expect(handler.calls).To(BeZero())
		Expect(sink.letters).To(HaveLen(1))
		Expect(sink.letters[0].Reason).To(Equal(queue.ReasonUndecodable))
		Expect(sink.letters[0].Attempts).To(BeZero())
	})

	It("is not affected by a failing dead-letter sink", func() {
		sink.err = errors.New("dlt unavailable")
		handler.errFor = func(int) error { return worker.ErrInvalidArgument }

		res := coord.Process(ctx, delivery(0, 1, model.TaskStatusActive))

		Expect(res.Outcome).To(Equal(worker.OutcomeRejected))
		Expect(coord.Handle(ctx, delivery(1, 1, model.TaskStatusActive))).To(Succeed())
	})

	It("reports interruption when shutdown cancels a backoff", func() {
		handler.errFor = func(int) error { return errors.New("down") }
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		res := coord.Process(cctx, delivery(0, 1, model.TaskStatusActive))

		Expect(res.Outcome).To(Equal(worker.OutcomeInterrupted))
		Expect(res.Attempts).To(Equal(1))
		Expect(sink.letters).To(BeEmpty())
		Expect(coord.Handle(cctx, delivery(0, 1, model.TaskStatusActive))).To(MatchError(queue.ErrInterrupted))
	})

	It("leaves a delivery uncommitted when shutdown cancels the last attempt", func() {
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		calls := 0
		coord = worker.NewCoordinator(worker.NewGuard(registry),
			worker.HandlerFunc(func(hctx context.Context, _ event.Event) error {
				calls++
				if calls == 2 {
					cancel()
					return hctx.Err()
				}
				return errors.New("smtp timeout")
			}),
			worker.CoordinatorConfig{
				Policy:      worker.RetryPolicy{Backoff: time.Second, MaxRetries: 1},
				DeadLetters: sink,
				Sleep:       func(context.Context, time.Duration) error { return nil },
			})

		res := coord.Process(cctx, delivery(4, 1, model.TaskStatusCompleted))

		Expect(res.Outcome).To(Equal(worker.OutcomeInterrupted))
		Expect(res.Attempts).To(Equal(2))
		Expect(res.Err).To(MatchError(context.Canceled))
		Expect(sink.letters).To(BeEmpty())
		Expect(coord.Handle(cctx, delivery(4, 1, model.TaskStatusCompleted))).To(MatchError(queue.ErrInterrupted))
	})

	Describe("with the real backoff timer", func() {
		const backoff = 100 * time.Millisecond

		var (
			mu    sync.Mutex
			times []time.Time
		)

		BeforeEach(func() {
			times = nil
			handler.errFor = func(int) error {
				mu.Lock()
				times = append(times, time.Now())
				mu.Unlock()
				return errors.New("connection refused")
			}
			build(func(cfg *worker.CoordinatorConfig) {
				cfg.Sleep = nil
				cfg.Policy = worker.RetryPolicy{Backoff: backoff, MaxRetries: 3}
			})
		})

		It("waits at least the backoff between consecutive attempts", func() {
			res := coord.Process(ctx, delivery(0, 1, model.TaskStatusActive))

			Expect(res.Outcome).To(Equal(worker.OutcomeExhausted))
			Expect(times).To(HaveLen(4))
			for i := 1; i < len(times); i++ {
				Expect(times[i].Sub(times[i-1])).To(BeNumerically(">=", backoff))
			}
		})

		It("cuts a backoff short when ctx ends", func() {
			build(func(cfg *worker.CoordinatorConfig) {
				cfg.Sleep = nil
				cfg.Policy = worker.RetryPolicy{Backoff: time.Minute, MaxRetries: 3}
			})
			cctx, cancel := context.WithTimeout(ctx, backoff)
			defer cancel()

			start := time.Now()
			res := coord.Process(cctx, delivery(0, 1, model.TaskStatusActive))

			Expect(res.Outcome).To(Equal(worker.OutcomeInterrupted))
			Expect(res.Attempts).To(Equal(1))
			Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
			Expect(sink.letters).To(BeEmpty())
		})
	})

	Describe("batches", func() {
		It("processes in order and continues past poisoned records", func() {
			ds := []queue.Delivery{
				delivery(0, 1, model.TaskStatusActive),
				{Topic: "task-updates", Offset: 1, Value: []byte("{")},
				delivery(2, 2, model.TaskStatusCompleted),
			}

			n, err := coord.HandleBatch(ctx, make(chan struct{}), ds)

			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(3))
			Expect(handler.seen).To(Equal([]event.Event{
				event.TaskStatusChanged{TaskID: 1, Status: model.TaskStatusActive},
				event.TaskStatusChanged{TaskID: 2, Status: model.TaskStatusCompleted},
			}))
		})

		It("starts nothing once stop is closed", func() {
			stop := make(chan struct{})
			close(stop)

			n, err := coord.HandleBatch(ctx, stop, []queue.Delivery{delivery(0, 1, model.TaskStatusActive)})

			Expect(err).To(MatchError(queue.ErrInterrupted))
			Expect(n).To(BeZero())
			Expect(handler.calls).To(BeZero())
		})
	})
})
