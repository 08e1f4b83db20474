package event

import (
	"context"

	"github.com/Guizzs26/event_sourced_voting_system/internal/model"
)

// EventPublisher ships durable voting events to downstream consumers. The
// record's StreamID (the voting id) is the ordering key.
type EventPublisher interface {
	Publish(ctx context.Context, records ...model.Record) error
	Close() error
}
