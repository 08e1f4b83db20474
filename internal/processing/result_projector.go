package processing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Guizzs26/event_sourced_voting_system/internal/event"
	"github.com/Guizzs26/event_sourced_voting_system/internal/metrics"
	"github.com/Guizzs26/event_sourced_voting_system/internal/model"
	"github.com/Guizzs26/event_sourced_voting_system/internal/voting"
)

// Broadcaster pushes a voting's latest result to whoever watches it.
type Broadcaster interface {
	Publish(ctx context.Context, votingID string, data []byte)
}

// Update is what watchers receive.
type Update struct {
	VotingID string `json:"votingId"`
	model.VotingResult
	Seq int64 `json:"seq"`
}

// ResultProjector folds the event feed into live results, one voting
// state per voting id, using the same fold as the write side.
type ResultProjector struct {
	consumer    event.EventConsumer
	broadcaster Broadcaster
	metrics     *metrics.FeedMetrics
	log         *slog.Logger
	interval    time.Duration

	mu      sync.RWMutex
	states  map[string]*voting.State
	lastSeq map[string]int64
	broken  map[string]bool
}

func NewResultProjector(c event.EventConsumer, b Broadcaster, m *metrics.FeedMetrics, log *slog.Logger) *ResultProjector {
	if log == nil {
		log = slog.Default()
	}
	return &ResultProjector{
		consumer:    c,
		broadcaster: b,
		metrics:     m,
		log:         log,
		interval:    30 * time.Second,
		states:      make(map[string]*voting.State),
		lastSeq:     make(map[string]int64),
		broken:      make(map[string]bool),
	}
}

func (rp *ResultProjector) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			rec, err := rp.consumer.ReadRecord(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					return nil
				}
				rp.log.Error("error reading voting event", "error", err)
				continue
			}
			rp.Handle(ctx, rec)
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(rp.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				rp.log.Info("result projector stopping")
				return nil
			case <-ticker.C:
				rp.logSummary()
			}
		}
	})

	return g.Wait()
}

// Handle folds one record. The feed is at-least-once, so records at or
// below the last seen seq are skipped; a gap means we missed part of the
// stream and that voting stops updating rather than showing wrong counts.
func (rp *ResultProjector) Handle(ctx context.Context, rec model.Record) {
	start := time.Now()
	defer func() {
		if rp.metrics != nil {
			rp.metrics.ProcessingTime.Observe(time.Since(start).Seconds())
		}
	}()

	update, ok := rp.apply(rec)
	if !ok {
		return
	}
	if rp.metrics != nil {
		rp.metrics.EventsConsumed.WithLabelValues(rec.Type).Inc()
	}

	data, err := json.Marshal(update)
	if err != nil {
		rp.log.Error("error encoding result update", "voting_id", rec.StreamID, "error", err)
		return
	}
	rp.broadcaster.Publish(ctx, rec.StreamID, data)
}

func (rp *ResultProjector) apply(rec model.Record) (Update, bool) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	id := rec.StreamID
	switch last := rp.lastSeq[id]; {
	case rp.broken[id]:
		rp.skip("broken")
		return Update{}, false
	case rec.Seq <= last:
		rp.skip("duplicate")
		return Update{}, false
	case rec.Seq != last+1:
		rp.log.Warn("gap in voting events, live results frozen", "voting_id", id, "expected", last+1, "seq", rec.Seq)
		rp.broken[id] = true
		rp.skip("gap")
		return Update{}, false
	}

	ev, err := model.Decode(rec)
	if err != nil {
		rp.log.Error("undecodable voting event", "voting_id", id, "seq", rec.Seq, "error", err)
		rp.broken[id] = true
		rp.skip("undecodable")
		return Update{}, false
	}

	st := rp.states[id]
	if st == nil {
		st = voting.New()
		rp.states[id] = st
	}
	if err := st.Apply(ev); err != nil {
		rp.log.Error("voting event does not fit live state", "voting_id", id, "seq", rec.Seq, "error", err)
		rp.broken[id] = true
		rp.skip("inconsistent")
		return Update{}, false
	}
	rp.lastSeq[id] = rec.Seq

	if ev.EventType() == model.TypeVoteRecorded {
		rp.log.Debug("vote counted", "voting_id", id, "seq", rec.Seq)
	}
	return Update{VotingID: id, VotingResult: st.Result(), Seq: rec.Seq}, true
}

func (rp *ResultProjector) skip(reason string) {
	if rp.metrics != nil {
		rp.metrics.EventsSkipped.WithLabelValues(reason).Inc()
	}
}

// Current returns the latest known result of a voting, encoded the way
// watchers receive it.
func (rp *ResultProjector) Current(votingID string) ([]byte, bool) {
	rp.mu.RLock()
	defer rp.mu.RUnlock()

	st, ok := rp.states[votingID]
	if !ok || !st.Exists() {
		return nil, false
	}
	data, err := json.Marshal(Update{VotingID: votingID, VotingResult: st.Result(), Seq: rp.lastSeq[votingID]})
	if err != nil {
		return nil, false
	}
	return data, true
}

func (rp *ResultProjector) logSummary() {
	rp.mu.RLock()
	defer rp.mu.RUnlock()

	finished := 0
	for _, st := range rp.states {
		if st.Finished() {
			finished++
		}
	}
	rp.log.Info("live results", "votings", len(rp.states), "finished", finished, "frozen", len(rp.broken))
}
