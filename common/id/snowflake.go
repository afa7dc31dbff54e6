package id

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Init initializes the Snowflake node with the given node ID.
// The server and worker processes use distinct node IDs so IDs minted on
// either side never collide.
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// New generates a new globally unique, time-ordered int64 ID.
func New() int64 {
	return node.Generate().Int64()
}
