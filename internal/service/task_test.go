package service_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"taskpulse.app/pipeline/internal/event"
	"taskpulse.app/pipeline/internal/model"
	"taskpulse.app/pipeline/internal/queue"
	"taskpulse.app/pipeline/internal/service"
	"taskpulse.app/pipeline/internal/store"
)

type mockTaskStore struct {
	tasks    map[int64]*model.Task
	updateFn func(ctx context.Context, task *model.Task) error
	updates  int
}

func newMockTaskStore(tasks ...model.Task) *mockTaskStore {
	m := &mockTaskStore{tasks: map[int64]*model.Task{}}
	for i := range tasks {
		t := tasks[i]
		m.tasks[t.ID] = &t
	}
	return m
}

func (m *mockTaskStore) GetByID(_ context.Context, id int64) (*model.Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *mockTaskStore) GetForUpdate(ctx context.Context, id int64) (*model.Task, error) {
	return m.GetByID(ctx, id)
}

func (m *mockTaskStore) Create(_ context.Context, task *model.Task) error {
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *mockTaskStore) Update(ctx context.Context, task *model.Task) error {
	m.updates++
	if m.updateFn != nil {
		if err := m.updateFn(ctx, task); err != nil {
			return err
		}
	}
	if _, ok := m.tasks[task.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *mockTaskStore) Delete(_ context.Context, id int64) error {
	if _, ok := m.tasks[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *mockTaskStore) List(context.Context, int32, int32) ([]model.Task, error) {
	out := make([]model.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	return out, nil
}

type mockStoreProvider struct {
	tasks store.TaskStore
}

func (m *mockStoreProvider) Tasks() store.TaskStore { return m.tasks }

// mockTxRunner records whether the transaction had committed when the
// publisher was called.
type mockTxRunner struct {
	provider  *mockStoreProvider
	committed bool
}

func (m *mockTxRunner) WithTx(_ context.Context, fn func(stores service.StoreProvider) error) error {
	m.committed = false
	if err := fn(m.provider); err != nil {
		return err
	}
	m.committed = true
	return nil
}

type published struct {
	topic          string
	ev             event.Event
	afterCommitted bool
}

type mockPublisher struct {
	tx        *mockTxRunner
	err       error
	published []published
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, ev event.Event) error {
	return m.PublishKeyed(ctx, topic, nil, ev)
}

func (m *mockPublisher) PublishKeyed(_ context.Context, topic string, _ []byte, ev event.Event) error {
	m.published = append(m.published, published{topic: topic, ev: ev, afterCommitted: m.tx.committed})
	return m.err
}

func (m *mockPublisher) Close() {}

var _ = Describe("TaskService", func() {
	var (
		ctx   context.Context
		tasks *mockTaskStore
		tx    *mockTxRunner
		pub   *mockPublisher
		svc   service.TaskService
	)

	status := func(s model.TaskStatus) *model.TaskStatus { return &s }

	BeforeEach(func() {
		ctx = context.Background()
		tasks = newMockTaskStore(model.Task{ID: 1, Title: "write report", Status: model.TaskStatusActive})
		tx = &mockTxRunner{provider: &mockStoreProvider{tasks: tasks}}
		pub = &mockPublisher{tx: tx}

		var err error
		svc, err = service.NewTaskService(tx, tasks, pub, service.TaskServiceConfig{Topic: "task-updates"})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Update", func() {
		It("publishes the new status after the update commits", func() {
			res, err := svc.Update(ctx, 1, service.UpdateTaskParams{Status: status(model.TaskStatusProcessing)})

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Task.Status).To(Equal(model.TaskStatusProcessing))
			Expect(res.StatusChanged).To(BeTrue())
			Expect(res.Published).To(BeTrue())
			Expect(res.PublishErr).NotTo(HaveOccurred())

			Expect(pub.published).To(HaveLen(1))
			Expect(pub.published[0].topic).To(Equal("task-updates"))
			Expect(pub.published[0].ev).To(Equal(event.TaskStatusChanged{TaskID: 1, Status: model.TaskStatusProcessing}))
			Expect(pub.published[0].afterCommitted).To(BeTrue())
		})

		It("keeps the update when publishing fails", func() {
			pub.err = errors.New("broker unreachable")

			res, err := svc.Update(ctx, 1, service.UpdateTaskParams{Status: status(model.TaskStatusCompleted)})

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Published).To(BeFalse())
			Expect(res.PublishErr).To(MatchError("broker unreachable"))

			stored, err := tasks.GetByID(ctx, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(model.TaskStatusCompleted))
		})

		It("does not publish when the store rejects the update", func() {
			tasks.updateFn = func(context.Context, *model.Task) error { return errors.New("serialization failure") }

			_, err := svc.Update(ctx, 1, service.UpdateTaskParams{Status: status(model.TaskStatusProcessing)})

			Expect(err).To(MatchError(ContainSubstring("serialization failure")))
			Expect(pub.published).To(BeEmpty())
		})

		It("does not publish when only the title changes", func() {
			title := "write final report"

			res, err := svc.Update(ctx, 1, service.UpdateTaskParams{Title: &title})

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Task.Title).To(Equal(title))
			Expect(res.StatusChanged).To(BeFalse())
			Expect(pub.published).To(BeEmpty())
		})

		It("rejects unknown statuses before touching the store", func() {
			_, err := svc.Update(ctx, 1, service.UpdateTaskParams{Status: status("Archived")})

			Expect(err).To(MatchError(model.ErrUnknownStatus))
			Expect(tasks.updates).To(BeZero())
		})

		It("reports missing tasks as not found", func() {
			_, err := svc.Update(ctx, 99, service.UpdateTaskParams{Status: status(model.TaskStatusActive)})

			Expect(err).To(MatchError(store.ErrNotFound))
			Expect(pub.published).To(BeEmpty())
		})
	})

	Describe("without a publisher", func() {
		It("updates and skips the event under the skip policy", func() {
			svc, err := service.NewTaskService(tx, tasks, nil, service.TaskServiceConfig{EmitPolicy: service.EmitSkip})
			Expect(err).NotTo(HaveOccurred())

			res, err := svc.Update(ctx, 1, service.UpdateTaskParams{Status: status(model.TaskStatusProcessing)})

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Published).To(BeFalse())
			Expect(res.PublishErr).NotTo(HaveOccurred())
		})

		It("refuses to start under the require policy", func() {
			_, err := service.NewTaskService(tx, tasks, nil, service.TaskServiceConfig{EmitPolicy: service.EmitRequire})

			Expect(err).To(MatchError(service.ErrPublisherRequired))
		})
	})

	It("refuses a publisher without a topic", func() {
		_, err := service.NewTaskService(tx, tasks, pub, service.TaskServiceConfig{})

		Expect(err).To(MatchError(queue.ErrEmptyTopic))
	})

	Describe("Create", func() {
		It("creates active tasks with generated ids", func() {
			task, err := svc.Create(ctx, service.CreateTaskParams{Title: "  plan sprint  "})

			Expect(err).NotTo(HaveOccurred())
			Expect(task.ID).To(BeNumerically(">", 0))
			Expect(task.Title).To(Equal("plan sprint"))
			Expect(task.Status).To(Equal(model.TaskStatusActive))
			Expect(pub.published).To(BeEmpty())
		})

		It("requires a title", func() {
			_, err := svc.Create(ctx, service.CreateTaskParams{Title: " "})

			Expect(err).To(MatchError(service.ErrEmptyTitle))
		})
	})

	It("deletes tasks and reports missing ones", func() {
		Expect(svc.Delete(ctx, 1)).To(Succeed())
		Expect(svc.Delete(ctx, 1)).To(MatchError(store.ErrNotFound))
	})
})
