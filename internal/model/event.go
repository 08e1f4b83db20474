package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is an immutable fact appended to a stream.
type Event interface {
	EventType() string
}

const (
	TypeVotingCreated = "VotingCreated"
	TypeVoteRecorded  = "VoteRecorded"
	TypePairReserved  = "PairReserved"
)

type VotingCreated struct {
	VotingID string `json:"voting_id"`
	ItemAID  string `json:"item_a_id"`
	ItemBID  string `json:"item_b_id"`
	MaxVotes int    `json:"max_votes"`
}

func (VotingCreated) EventType() string { return TypeVotingCreated }

type VoteRecorded struct {
	VotingID       string `json:"voting_id"`
	ItemID         string `json:"item_id"`
	UserID         string `json:"user_id"`
	ResultingCount int    `json:"resulting_count"`
}

func (VoteRecorded) EventType() string { return TypeVoteRecorded }

// PairReserved is written to the registry stream. ItemAID/ItemBID keep the
// order the creator used; the registry normalizes them into a pair key.
type PairReserved struct {
	VotingID string `json:"voting_id"`
	ItemAID  string `json:"item_a_id"`
	ItemBID  string `json:"item_b_id"`
	MaxVotes int    `json:"max_votes"`
}

func (PairReserved) EventType() string { return TypePairReserved }

// Record is an event as the journal stores it: sequence-numbered within
// its stream, payload kept as JSON.
type Record struct {
	StreamID   string          `json:"stream_id"`
	Seq        int64           `json:"seq"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Encode turns an event into its type name and JSON payload.
func Encode(ev Event) (string, json.RawMessage, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal %s: %w", ev.EventType(), err)
	}
	return ev.EventType(), data, nil
}

// Decode rebuilds the typed event held by a record.
func Decode(rec Record) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch rec.Type {
	case TypeVotingCreated:
		var e VotingCreated
		err = json.Unmarshal(rec.Data, &e)
		ev = e
	case TypeVoteRecorded:
		var e VoteRecorded
		err = json.Unmarshal(rec.Data, &e)
		ev = e
	case TypePairReserved:
		var e PairReserved
		err = json.Unmarshal(rec.Data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: unknown event type %q at %s/%d", ErrCorruptStream, rec.Type, rec.StreamID, rec.Seq)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable %s at %s/%d: %v", ErrCorruptStream, rec.Type, rec.StreamID, rec.Seq, err)
	}
	return ev, nil
}
