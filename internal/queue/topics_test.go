package queue_test

import (
	"context"
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"taskpulse.app/pipeline/internal/queue"
)

type fakeAdmin struct {
	topics      map[string]queue.TopicState
	creates     int
	describeErr error
	// raceOnCreate simulates another client creating the topic first.
	raceOnCreate bool
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{topics: map[string]queue.TopicState{}}
}

func (f *fakeAdmin) DescribeTopic(_ context.Context, name string) (queue.TopicState, error) {
	if f.describeErr != nil {
		return queue.TopicState{}, f.describeErr
	}
	return f.topics[name], nil
}

func (f *fakeAdmin) CreateTopic(_ context.Context, d queue.TopicDeclaration) error {
	f.creates++
	state := queue.TopicState{Exists: true, Partitions: d.Partitions, ReplicationFactor: d.ReplicationFactor, MinInSyncReplicas: d.MinInSyncReplicas}
	if f.raceOnCreate {
		f.topics[d.Name] = state
		return fmt.Errorf("%w: %s", queue.ErrTopicExists, d.Name)
	}
	if f.topics[d.Name].Exists {
		return fmt.Errorf("%w: %s", queue.ErrTopicExists, d.Name)
	}
	f.topics[d.Name] = state
	return nil
}

var _ = Describe("Provisioner", func() {
	var (
		ctx   context.Context
		admin *fakeAdmin
		prov  *queue.Provisioner
		decl  queue.TopicDeclaration
	)

	BeforeEach(func() {
		ctx = context.Background()
		admin = newFakeAdmin()
		prov = queue.NewProvisioner(admin, nil)
		decl = queue.TopicDeclaration{Name: "task-updates", Partitions: 1, ReplicationFactor: 1, MinInSyncReplicas: 1}
	})

	It("creates a missing topic with the declared parameters", func() {
		Expect(prov.EnsureTopics(ctx, decl)).To(Succeed())

		Expect(admin.creates).To(Equal(1))
		Expect(admin.topics["task-updates"]).To(Equal(queue.TopicState{Exists: true, Partitions: 1, ReplicationFactor: 1, MinInSyncReplicas: 1}))
	})

	It("is idempotent", func() {
		Expect(prov.EnsureTopics(ctx, decl)).To(Succeed())
		Expect(prov.EnsureTopics(ctx, decl)).To(Succeed())
		Expect(prov.EnsureTopics(ctx, decl)).To(Succeed())

		Expect(admin.creates).To(Equal(1))
	})

	It("accepts a topic another client created concurrently", func() {
		admin.raceOnCreate = true

		Expect(prov.EnsureTopics(ctx, decl)).To(Succeed())
	})

	It("reports a mismatch instead of altering an existing topic", func() {
		admin.topics["task-updates"] = queue.TopicState{Exists: true, Partitions: 6, ReplicationFactor: 1, MinInSyncReplicas: 1}

		err := prov.EnsureTopics(ctx, decl)

		var mismatch *queue.TopicMismatchError
		Expect(errors.As(err, &mismatch)).To(BeTrue())
		Expect(mismatch.Field).To(Equal("partitions"))
		Expect(mismatch.Declared).To(BeEquivalentTo(1))
		Expect(mismatch.Actual).To(BeEquivalentTo(6))
		Expect(admin.topics["task-updates"].Partitions).To(BeEquivalentTo(6))
	})

	It("detects replication and min.insync.replicas drift", func() {
		admin.topics["task-updates"] = queue.TopicState{Exists: true, Partitions: 1, ReplicationFactor: 1, MinInSyncReplicas: 2}

		err := prov.EnsureTopics(ctx, decl)

		var mismatch *queue.TopicMismatchError
		Expect(errors.As(err, &mismatch)).To(BeTrue())
		Expect(mismatch.Field).To(Equal("min.insync.replicas"))
	})

	It("skips the min.insync.replicas check when the broker does not report it", func() {
		admin.topics["task-updates"] = queue.TopicState{Exists: true, Partitions: 1, ReplicationFactor: 1}

		Expect(prov.EnsureTopics(ctx, decl)).To(Succeed())
	})

	It("surfaces admin failures", func() {
		admin.describeErr = errors.New("broker unreachable")

		Expect(prov.EnsureTopics(ctx, decl)).To(MatchError(ContainSubstring("broker unreachable")))
	})

	DescribeTable("rejects invalid declarations before calling the cluster",
		func(d queue.TopicDeclaration) {
			Expect(prov.EnsureTopics(ctx, d)).NotTo(Succeed())
			Expect(admin.creates).To(BeZero())
		},
		Entry("empty name", queue.TopicDeclaration{Partitions: 1, ReplicationFactor: 1, MinInSyncReplicas: 1}),
		Entry("zero partitions", queue.TopicDeclaration{Name: "t", ReplicationFactor: 1, MinInSyncReplicas: 1}),
		Entry("zero replication", queue.TopicDeclaration{Name: "t", Partitions: 1, MinInSyncReplicas: 1}),
		Entry("min isr above replication", queue.TopicDeclaration{Name: "t", Partitions: 1, ReplicationFactor: 1, MinInSyncReplicas: 2}),
	)
})
