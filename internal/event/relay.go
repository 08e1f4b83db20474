package event

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Guizzs26/event_sourced_voting_system/internal/metrics"
	"github.com/Guizzs26/event_sourced_voting_system/internal/model"
)

// Relay decouples command handling from the feed: handlers enqueue durable
// records without waiting, and one goroutine publishes them in order.
// The feed is best effort; the journal stays the source of truth.
type Relay struct {
	publisher EventPublisher
	queue     chan []model.Record
	timeout   time.Duration
	retries   uint64
	backoff   func() backoff.BackOff
	log       *slog.Logger
	metrics   *metrics.Metrics
}

func NewRelay(p EventPublisher, size int, log *slog.Logger, m *metrics.Metrics) *Relay {
	if size <= 0 {
		size = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		publisher: p,
		queue:     make(chan []model.Record, size),
		timeout:   5 * time.Second,
		retries:   3,
		backoff:   func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		log:       log,
		metrics:   m,
	}
}

// Enqueue reports false when the queue is full and the batch was dropped.
func (r *Relay) Enqueue(records []model.Record) bool {
	if len(records) == 0 {
		return true
	}
	select {
	case r.queue <- records:
		return true
	default:
		return false
	}
}

// Run publishes until ctx is done, then flushes what is still queued.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drain(context.WithoutCancel(ctx))
			return nil
		case batch := <-r.queue:
			r.publish(ctx, batch)
		}
	}
}

func (r *Relay) drain(ctx context.Context) {
	for {
		select {
		case batch := <-r.queue:
			r.publish(ctx, batch)
		default:
			return
		}
	}
}

func (r *Relay) publish(ctx context.Context, batch []model.Record) {
	op := func() error {
		pctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.publisher.Publish(pctx, batch...)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(r.backoff(), r.retries), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		r.metrics.FeedPublishFailed(len(batch))
		r.log.Error("failed to publish voting events",
			"stream_id", batch[0].StreamID,
			"first_seq", batch[0].Seq,
			"count", len(batch),
			"error", err,
		)
	}
}
