// Package partition maps voting ids onto a fixed number of partitions.
package partition

import (
	"fmt"

	"github.com/segmentio/kafka-go"
)

// Assignor is stateless apart from its partition count. It hashes with the
// same balancer the event feed writer uses, so a voting's in-process
// partition and its topic partition agree whenever the topic has the same
// number of partitions.
type Assignor struct {
	balancer   *kafka.Hash
	partitions []int
}

func NewAssignor(n int) (*Assignor, error) {
	if n <= 0 {
		return nil, fmt.Errorf("partition count must be positive, got %d", n)
	}
	partitions := make([]int, n)
	for i := range partitions {
		partitions[i] = i
	}
	return &Assignor{balancer: &kafka.Hash{}, partitions: partitions}, nil
}

func (a *Assignor) Count() int { return len(a.partitions) }

// PartitionOf returns a value in [0, Count()) that never changes for a
// given id.
func (a *Assignor) PartitionOf(votingID string) int {
	if votingID == "" {
		// an empty key would make the hash balancer fall back to round robin
		return 0
	}
	return a.balancer.Balance(kafka.Message{Key: []byte(votingID)}, a.partitions...)
}
