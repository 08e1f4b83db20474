package event

import (
	"context"

	"github.com/Guizzs26/event_sourced_voting_system/internal/model"
)

type EventConsumer interface {
	ReadRecord(ctx context.Context) (model.Record, error)
	Close() error
}
