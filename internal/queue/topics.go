package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

const configMinInSyncReplicas = "min.insync.replicas"

var ErrTopicExists = errors.New("topic already exists")

// TopicDeclaration is the desired shape of a topic.
type TopicDeclaration struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	MinInSyncReplicas int16
}

func (d TopicDeclaration) Validate() error {
	switch {
	case d.Name == "":
		return ErrEmptyTopic
	case d.Partitions < 1:
		return fmt.Errorf("topic %s: partitions must be >= 1, got %d", d.Name, d.Partitions)
	case d.ReplicationFactor < 1:
		return fmt.Errorf("topic %s: replication factor must be >= 1, got %d", d.Name, d.ReplicationFactor)
	case d.MinInSyncReplicas < 1:
		return fmt.Errorf("topic %s: min.insync.replicas must be >= 1, got %d", d.Name, d.MinInSyncReplicas)
	case d.MinInSyncReplicas > d.ReplicationFactor:
		return fmt.Errorf("topic %s: min.insync.replicas (%d) exceeds replication factor (%d)",
			d.Name, d.MinInSyncReplicas, d.ReplicationFactor)
	}
	return nil
}

// TopicState is what the cluster reports for a topic. MinInSyncReplicas is 0
// when the broker did not report it.
type TopicState struct {
	Exists            bool
	Partitions        int32
	ReplicationFactor int16
	MinInSyncReplicas int16
}

// TopicAdmin is the slice of cluster administration the provisioner needs.
type TopicAdmin interface {
	DescribeTopic(ctx context.Context, name string) (TopicState, error)
	// CreateTopic returns an error wrapping ErrTopicExists when another
	// client created the topic first.
	CreateTopic(ctx context.Context, decl TopicDeclaration) error
}

// TopicMismatchError reports an existing topic whose parameters differ from
// its declaration. Existing topics are never altered.
type TopicMismatchError struct {
	Topic    string
	Field    string
	Declared int64
	Actual   int64
}

func (e *TopicMismatchError) Error() string {
	return fmt.Sprintf("topic %s exists with %s=%d, declared %d", e.Topic, e.Field, e.Actual, e.Declared)
}

// Provisioner makes declared topics exist. Running it repeatedly with the same
// declarations is a no-op after the first success.
type Provisioner struct {
	admin  TopicAdmin
	logger *slog.Logger
}

func NewProvisioner(admin TopicAdmin, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{admin: admin, logger: logger}
}

// EnsureTopics creates missing topics and verifies existing ones. It stops at
// the first error; topics before it stay provisioned.
func (p *Provisioner) EnsureTopics(ctx context.Context, decls ...TopicDeclaration) error {
	for _, decl := range decls {
		if err := p.ensure(ctx, decl); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) ensure(ctx context.Context, decl TopicDeclaration) error {
	if err := decl.Validate(); err != nil {
		return err
	}

	state, err := p.admin.DescribeTopic(ctx, decl.Name)
	if err != nil {
		return fmt.Errorf("describing topic %s: %w", decl.Name, err)
	}

	if !state.Exists {
		err := p.admin.CreateTopic(ctx, decl)
		if err == nil {
			p.logger.InfoContext(ctx, "topic created",
				"topic", decl.Name,
				"partitions", decl.Partitions,
				"replication_factor", decl.ReplicationFactor,
				"min_insync_replicas", decl.MinInSyncReplicas)
			return nil
		}
		if !errors.Is(err, ErrTopicExists) {
			return fmt.Errorf("creating topic %s: %w", decl.Name, err)
		}
		// Lost a creation race; verify what the winner made.
		if state, err = p.admin.DescribeTopic(ctx, decl.Name); err != nil {
			return fmt.Errorf("describing topic %s: %w", decl.Name, err)
		}
	}

	if err := compareTopic(decl, state); err != nil {
		return err
	}
	if state.MinInSyncReplicas == 0 {
		p.logger.WarnContext(ctx, "broker did not report min.insync.replicas, skipping check", "topic", decl.Name)
	}
	p.logger.DebugContext(ctx, "topic already provisioned", "topic", decl.Name)
	return nil
}

func compareTopic(decl TopicDeclaration, state TopicState) error {
	if state.Partitions != decl.Partitions {
		return &TopicMismatchError{Topic: decl.Name, Field: "partitions", Declared: int64(decl.Partitions), Actual: int64(state.Partitions)}
	}
	if state.ReplicationFactor != decl.ReplicationFactor {
		return &TopicMismatchError{Topic: decl.Name, Field: "replication.factor", Declared: int64(decl.ReplicationFactor), Actual: int64(state.ReplicationFactor)}
	}
	if state.MinInSyncReplicas != 0 && state.MinInSyncReplicas != decl.MinInSyncReplicas {
		return &TopicMismatchError{Topic: decl.Name, Field: configMinInSyncReplicas, Declared: int64(decl.MinInSyncReplicas), Actual: int64(state.MinInSyncReplicas)}
	}
	return nil
}

// KafkaTopicAdmin implements TopicAdmin with kadm.
type KafkaTopicAdmin struct {
	adm *kadm.Client
}

// NewKafkaTopicAdmin wraps an existing client. The caller keeps ownership of
// cl and closes it.
func NewKafkaTopicAdmin(cl *kgo.Client) *KafkaTopicAdmin {
	return &KafkaTopicAdmin{adm: kadm.NewClient(cl)}
}

func (a *KafkaTopicAdmin) DescribeTopic(ctx context.Context, name string) (TopicState, error) {
	details, err := a.adm.ListTopics(ctx, name)
	if err != nil {
		return TopicState{}, err
	}
	td, ok := details[name]
	if !ok || errors.Is(td.Err, kerr.UnknownTopicOrPartition) {
		return TopicState{}, nil
	}
	if td.Err != nil {
		return TopicState{}, td.Err
	}

	state := TopicState{Exists: true, Partitions: int32(len(td.Partitions))}
	for _, p := range td.Partitions {
		state.ReplicationFactor = int16(len(p.Replicas))
		break
	}

	configs, err := a.adm.DescribeTopicConfigs(ctx, name)
	if err != nil {
		return TopicState{}, fmt.Errorf("describing configs: %w", err)
	}
	for _, rc := range configs {
		if rc.Name != name {
			continue
		}
		if rc.Err != nil {
			return TopicState{}, fmt.Errorf("describing configs: %w", rc.Err)
		}
		for _, c := range rc.Configs {
			if c.Key != configMinInSyncReplicas || c.Value == nil {
				continue
			}
			v, err := strconv.ParseInt(*c.Value, 10, 16)
			if err != nil {
				return TopicState{}, fmt.Errorf("parsing %s=%q: %w", c.Key, *c.Value, err)
			}
			state.MinInSyncReplicas = int16(v)
		}
	}
	return state, nil
}

func (a *KafkaTopicAdmin) CreateTopic(ctx context.Context, decl TopicDeclaration) error {
	configs := map[string]*string{
		configMinInSyncReplicas: kadm.StringPtr(strconv.Itoa(int(decl.MinInSyncReplicas))),
	}
	resps, err := a.adm.CreateTopics(ctx, decl.Partitions, decl.ReplicationFactor, configs, decl.Name)
	if err != nil {
		return err
	}
	resp, ok := resps[decl.Name]
	if !ok {
		return fmt.Errorf("no create response for topic %s", decl.Name)
	}
	if errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("%w: %s", ErrTopicExists, decl.Name)
	}
	return resp.Err
}
