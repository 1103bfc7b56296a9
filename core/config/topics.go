package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/BurntSushi/toml"
)

// topicsFile is the on-disk shape of KAFKA_TOPICS_FILE:
//
//	[[topics]]
//	name = "task-updates"
//	partitions = 3
//	replication_factor = 3
//	min_insync_replicas = 2
type topicsFile struct {
	Topics []TopicConfig `toml:"topics"`
}

// loadTopics reads topic declarations from path. A missing file is not an
// error; the single env-derived fallback declaration is used instead.
func loadTopics(path string, fallback TopicConfig) ([]TopicConfig, error) {
	if path == "" {
		return []TopicConfig{fallback}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []TopicConfig{fallback}, nil
		}
		return nil, fmt.Errorf("reading topics file %s: %w", path, err)
	}

	return parseTopics(data)
}

func parseTopics(data []byte) ([]TopicConfig, error) {
	var file topicsFile
	md, err := toml.Decode(string(data), &file)
	if err != nil {
		return nil, fmt.Errorf("parsing topics file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parsing topics file: unknown keys %v", undecoded)
	}
	if len(file.Topics) == 0 {
		return nil, errors.New("parsing topics file: no [[topics]] declared")
	}

	for i := range file.Topics {
		t := &file.Topics[i]
		if t.Partitions == 0 {
			t.Partitions = 1
		}
		if t.ReplicationFactor == 0 {
			t.ReplicationFactor = 1
		}
		if t.MinInSyncReplicas == 0 {
			t.MinInSyncReplicas = 1
		}
	}

	return file.Topics, nil
}
