package partition

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignorRejectsNonPositiveCount(t *testing.T) {
	for _, n := range []int{0, -3} {
		_, err := NewAssignor(n)
		assert.Error(t, err, "n=%d", n)
	}
}

func TestPartitionOfIsStableAndInRange(t *testing.T) {
	a, err := NewAssignor(8)
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("voting-%d", i)
		p := a.PartitionOf(id)
		require.GreaterOrEqual(t, p, 0)
		require.Less(t, p, 8)
		assert.Equal(t, p, a.PartitionOf(id), "partition of %s changed", id)
	}
}

func TestPartitionOfAgreesAcrossInstances(t *testing.T) {
	a, err := NewAssignor(16)
	require.NoError(t, err)
	b, err := NewAssignor(16)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("3f1c-%d", i)
		assert.Equal(t, a.PartitionOf(id), b.PartitionOf(id))
	}
}

func TestPartitionOfSpreadsIDs(t *testing.T) {
	a, err := NewAssignor(4)
	require.NoError(t, err)

	seen := make(map[int]int)
	for i := 0; i < 400; i++ {
		seen[a.PartitionOf(fmt.Sprintf("id-%d", i))]++
	}
	assert.Len(t, seen, 4, "every partition should own some ids")
}

func TestSinglePartitionAndEmptyID(t *testing.T) {
	a, err := NewAssignor(1)
	require.NoError(t, err)
	assert.Equal(t, 0, a.PartitionOf("anything"))

	b, err := NewAssignor(5)
	require.NoError(t, err)
	assert.Equal(t, 0, b.PartitionOf(""))
}
