package id

import (
	"fmt"
	"sync/atomic"

	"github.com/bwmarrin/snowflake"
)

var node atomic.Pointer[snowflake.Node]

// Init sets the node id (0-1023) embedded in every generated id. Processes
// that generate ids concurrently must use different node ids.
func Init(nodeID int64) error {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	node.Store(n)
	return nil
}

// New returns a time-ordered int64 id, used as the task primary key.
func New() int64 {
	return generate().Int64()
}

// NewString returns a fresh id in decimal, used as the event-id header.
func NewString() string {
	return generate().String()
}

func generate() snowflake.ID {
	n := node.Load()
	if n == nil {
		panic("id: Init must be called before generating ids")
	}
	return n.Generate()
}
