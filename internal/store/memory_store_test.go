package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/Guizzs26/event_sourced_voting_system/internal/model"
)

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &journalSuite{newStores: func() (Journal, SnapshotStore) {
		m := NewMemoryStore()
		return m, m
	}})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_, err := m.Append(ctx, "v1", 0, []model.Event{created("v1")})
	require.NoError(t, err)

	recs, err := m.Load(ctx, "v1", 0)
	require.NoError(t, err)
	recs[0].Seq = 99

	again, err := m.Load(ctx, "v1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), again[0].Seq)
	assert.Equal(t, 1, m.Events("v1"))
}

func TestMemoryStoreHonoursCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewMemoryStore()

	_, err := m.Append(ctx, "v1", 0, []model.Event{created("v1")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, m.Events("v1"))
}
