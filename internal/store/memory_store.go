package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Guizzs26/event_sourced_voting_system/internal/model"
)

// MemoryStore keeps streams and snapshots in process memory. It satisfies
// both Journal and SnapshotStore, and outlives the handlers that use it,
// which is enough to simulate restarts in tests.
type MemoryStore struct {
	mu        sync.RWMutex
	streams   map[string][]model.Record
	snapshots map[string]Snapshot
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:   make(map[string][]model.Record),
		snapshots: make(map[string]Snapshot),
		now:       time.Now,
	}
}

func (m *MemoryStore) Append(ctx context.Context, streamID string, expectedSeq int64, events []model.Event) ([]model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records, err := encodeEvents(streamID, expectedSeq, events, m.now().UTC())
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if last := int64(len(m.streams[streamID])); last != expectedSeq {
		return nil, fmt.Errorf("%w: %s at %d, expected %d", ErrSequenceConflict, streamID, last, expectedSeq)
	}
	m.streams[streamID] = append(m.streams[streamID], records...)

	return slices.Clone(records), nil
}

func (m *MemoryStore) Load(ctx context.Context, streamID string, afterSeq int64) ([]model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	stream := m.streams[streamID]
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(stream)) {
		return nil, nil
	}
	return slices.Clone(stream[afterSeq:]), nil
}

func (m *MemoryStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.snapshots[snap.StreamID]; ok && cur.Seq >= snap.Seq {
		return nil
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = m.now().UTC()
	}
	m.snapshots[snap.StreamID] = snap
	return nil
}

func (m *MemoryStore) LatestSnapshot(ctx context.Context, streamID string) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snapshots[streamID]
	return snap, ok, nil
}

// Events returns how many records a stream holds.
func (m *MemoryStore) Events(streamID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams[streamID])
}

// Corrupt replaces the record at seq, used by tests to simulate damaged
// storage.
func (m *MemoryStore) Corrupt(streamID string, seq int64, rec model.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq >= 1 && seq <= int64(len(m.streams[streamID])) {
		m.streams[streamID][seq-1] = rec
	}
}

func (m *MemoryStore) Close() error { return nil }
