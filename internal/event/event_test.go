package event_test

import (
	"encoding/json"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"taskpulse.app/pipeline/internal/event"
	"taskpulse.app/pipeline/internal/model"
)

var _ = Describe("TaskStatusChanged envelope", func() {
	var registry *event.Registry

	BeforeEach(func() {
		var err error
		registry, err = event.NewRegistry(event.TypeTaskStatusChanged)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("round trip", func() {
		for _, status := range model.TaskStatuses() {
			for _, taskID := range []int64{1, 42, 1 << 40, 9223372036854775807} {
				It(fmt.Sprintf("decodes what it encodes for task %d -> %s", taskID, status), func() {
					original, err := event.NewTaskStatusChanged(taskID, status)
					Expect(err).NotTo(HaveOccurred())

					data, err := event.Encode(original)
					Expect(err).NotTo(HaveOccurred())

					decoded, err := registry.Decode(data)
					Expect(err).NotTo(HaveOccurred())
					Expect(decoded).To(Equal(original))
				})
			}
		}
	})

	It("writes field-named JSON with a type tag", func() {
		data, err := event.Encode(event.TaskStatusChanged{TaskID: 1, Status: model.TaskStatusProcessing})
		Expect(err).NotTo(HaveOccurred())

		var fields map[string]any
		Expect(json.Unmarshal(data, &fields)).To(Succeed())
		Expect(fields).To(HaveKeyWithValue("type", "task.status_changed"))
		Expect(fields).To(HaveKeyWithValue("taskId", BeNumerically("==", 1)))
		Expect(fields).To(HaveKeyWithValue("status", "Processing"))
	})

	It("refuses to encode an invalid event", func() {
		_, err := event.Encode(event.TaskStatusChanged{TaskID: 0, Status: model.TaskStatusActive})
		Expect(err).To(MatchError(event.ErrInvalidEvent))

		_, err = event.Encode(event.TaskStatusChanged{TaskID: 1, Status: "Archived"})
		Expect(err).To(MatchError(event.ErrInvalidEvent))

		_, err = event.Encode(nil)
		Expect(err).To(MatchError(event.ErrInvalidEvent))
	})

	It("keys by task id", func() {
		ev := event.TaskStatusChanged{TaskID: 77, Status: model.TaskStatusCompleted}
		Expect(string(ev.PartitionKey())).To(Equal("77"))
	})

	DescribeTable("rejecting bad payloads as a unit",
		func(payload []byte, expected error) {
			ev, err := registry.Decode(payload)
			Expect(ev).To(BeNil())
			Expect(err).To(MatchError(expected))
		},
		Entry("plain text", []byte("invalid json"), event.ErrMalformed),
		Entry("empty payload", []byte{}, event.ErrMalformed),
		Entry("truncated object", []byte(`{"type":"task.status_changed","taskId":1,"sta`), event.ErrMalformed),
		Entry("binary garbage", []byte{0x00, 0xff, 0x13, 0x37}, event.ErrMalformed),
		Entry("JSON array", []byte(`[1,2,3]`), event.ErrMalformed),
		Entry("JSON null", []byte(`null`), event.ErrMissingType),
		Entry("missing type tag", []byte(`{"taskId":1,"status":"Active"}`), event.ErrMissingType),
		Entry("type outside the allowlist", []byte(`{"type":"system.exec","taskId":1,"status":"Active"}`), event.ErrUntrustedType),
		Entry("missing taskId", []byte(`{"type":"task.status_changed","status":"Active"}`), event.ErrInvalidEvent),
		Entry("missing status", []byte(`{"type":"task.status_changed","taskId":1}`), event.ErrInvalidEvent),
		Entry("null status", []byte(`{"type":"task.status_changed","taskId":1,"status":null}`), event.ErrInvalidEvent),
		Entry("taskId as string", []byte(`{"type":"task.status_changed","taskId":"1","status":"Active"}`), event.ErrMalformed),
		Entry("fractional taskId", []byte(`{"type":"task.status_changed","taskId":1.5,"status":"Active"}`), event.ErrMalformed),
		Entry("unknown status", []byte(`{"type":"task.status_changed","taskId":1,"status":"Archived"}`), event.ErrMalformed),
		Entry("status with wrong case", []byte(`{"type":"task.status_changed","taskId":1,"status":"processing"}`), event.ErrMalformed),
		Entry("non-positive taskId", []byte(`{"type":"task.status_changed","taskId":0,"status":"Active"}`), event.ErrInvalidEvent),
	)

	Describe("NewRegistry", func() {
		It("refuses to trust a type the binary does not know", func() {
			_, err := event.NewRegistry("com.example.Anything")
			Expect(err).To(HaveOccurred())
		})

		It("trusts every known type when no allowlist is given", func() {
			r, err := event.NewRegistry()
			Expect(err).NotTo(HaveOccurred())
			for _, t := range event.KnownTypes() {
				Expect(r.Trusts(t)).To(BeTrue())
			}
		})
	})
})
