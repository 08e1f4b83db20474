package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Guizzs26/event_sourced_voting_system/internal/model"
)

// ErrSequenceConflict means the stream moved past the sequence number the
// writer expected. It is the journal's only concurrency check: two writers
// can never both extend the same position.
var ErrSequenceConflict = errors.New("stream sequence conflict")

//go:generate mockgen -source=store.go -destination=mocks/store_mock.go -package=mocks

// Journal is a per-stream, append-only, strictly sequence-numbered log.
type Journal interface {
	// Append stores events at expectedSeq+1, expectedSeq+2, ... and returns
	// the stored records. It fails with ErrSequenceConflict when the last
	// seq of the stream is not expectedSeq.
	Append(ctx context.Context, streamID string, expectedSeq int64, events []model.Event) ([]model.Record, error)
	// Load returns the records with seq > afterSeq, in seq order.
	Load(ctx context.Context, streamID string, afterSeq int64) ([]model.Record, error)
	Close() error
}

// Snapshot is derived state of a stream as of Seq. It only shortens replay.
type Snapshot struct {
	StreamID string          `json:"stream_id"`
	Seq      int64           `json:"seq"`
	State    json.RawMessage `json:"state"`
	TakenAt  time.Time       `json:"taken_at"`
}

type SnapshotStore interface {
	// SaveSnapshot never replaces a snapshot with a higher Seq.
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LatestSnapshot(ctx context.Context, streamID string) (Snapshot, bool, error)
	Close() error
}

func encodeEvents(streamID string, expectedSeq int64, events []model.Event, now time.Time) ([]model.Record, error) {
	if len(events) == 0 {
		return nil, errors.New("append needs at least one event")
	}
	records := make([]model.Record, 0, len(events))
	for i, ev := range events {
		typ, data, err := model.Encode(ev)
		if err != nil {
			return nil, err
		}
		records = append(records, model.Record{
			StreamID:   streamID,
			Seq:        expectedSeq + int64(i) + 1,
			Type:       typ,
			Data:       data,
			RecordedAt: now,
		})
	}
	return records, nil
}
