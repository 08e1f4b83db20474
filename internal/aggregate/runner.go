// Package aggregate runs one event-sourced stream behind a single writer.
//
// A Runner owns the in-memory state of exactly one stream. Commands are
// decided one at a time, in arrival order, against the speculative state
// (confirmed state plus writes still waiting on the journal). Events reach
// the confirmed state, and replies reach callers, only after the journal
// has acknowledged the write.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/event_sourced_voting_system/internal/metrics"
	"github.com/Guizzs26/event_sourced_voting_system/internal/model"
	"github.com/Guizzs26/event_sourced_voting_system/internal/store"
)

// ErrStopped is returned to callers that reach a runner after it shut down.
// The owner is expected to activate a fresh runner and try again.
var ErrStopped = errors.New("aggregate runner stopped")

// State is the left fold of a stream. Apply must reject events that do not
// fit the current state, so replay can tell a damaged stream apart.
type State[S any] interface {
	Apply(ev model.Event) error
	Clone() S
	MarshalSnapshot() ([]byte, error)
}

// Definition tells a Runner how to build an empty state and how to restore
// one from a snapshot.
type Definition[S State[S]] struct {
	New     func() S
	Restore func(data []byte) (S, error)
}

// Decide inspects the state and returns the events to persist and the reply
// to hand back once they are durable. It must not mutate the state.
type Decide[S any] func(state S) (events []model.Event, reply any, err error)

type Options struct {
	SnapshotEvery int
	WriteTimeout  time.Duration
	MailboxSize   int
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	// OnConfirmed sees every batch of records right after it is durable.
	// It runs on the runner goroutine and must not block.
	OnConfirmed func(records []model.Record)
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = 64
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type result struct {
	value any
	err   error
}

type request[S any] struct {
	decide Decide[S]
	reply  chan result
}

// entry is a reply held back until every write queued before it is durable.
type entry[S any] struct {
	req    request[S]
	events []model.Event
	value  any
	err    error
	write  bool
}

type write struct {
	expectedSeq int64
	events      []model.Event
}

type confirmation struct {
	records []model.Record
	err     error
}

type Runner[S State[S]] struct {
	streamID string
	journal  store.Journal
	snaps    store.SnapshotStore
	def      Definition[S]
	opts     Options
	log      *slog.Logger

	mailbox  chan request[S]
	writes   chan write
	confirms chan confirmation
	quit     chan struct{}
	stopOnce sync.Once
	ready    chan struct{}
	done     chan struct{}

	mu        sync.RWMutex
	confirmed S
	seq       int64
	err       error

	outstanding atomic.Int64
	lastActive  atomic.Int64
}

// New builds a runner for streamID. snaps may be nil.
func New[S State[S]](streamID string, journal store.Journal, snaps store.SnapshotStore, def Definition[S], opts Options) *Runner[S] {
	opts = opts.withDefaults()
	r := &Runner[S]{
		streamID: streamID,
		journal:  journal,
		snaps:    snaps,
		def:      def,
		opts:     opts,
		log:      opts.Logger.With("stream_id", streamID),
		mailbox:  make(chan request[S], opts.MailboxSize),
		writes:   make(chan write),
		confirms: make(chan confirmation),
		quit:     make(chan struct{}),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	r.lastActive.Store(time.Now().UnixNano())
	return r
}

// Start recovers the stream and begins serving commands. When after is not
// nil recovery waits for it to close, which lets a new runner wait for its
// evicted predecessor to finish flushing.
func (r *Runner[S]) Start(ctx context.Context, after <-chan struct{}) {
	go r.persist(ctx)
	go r.run(ctx, after)
}

// Stop asks the runner to finish its pending writes and exit.
func (r *Runner[S]) Stop() {
	r.stopOnce.Do(func() { close(r.quit) })
}

func (r *Runner[S]) Done() <-chan struct{} { return r.done }

func (r *Runner[S]) StreamID() string { return r.streamID }

// Err is the terminal error of a runner that could not recover.
func (r *Runner[S]) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Seq is the last durable sequence number applied to the confirmed state.
func (r *Runner[S]) Seq() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq
}

// Idle reports whether nothing is queued or waiting on the journal.
func (r *Runner[S]) Idle() bool {
	return r.outstanding.Load() == 0 && len(r.mailbox) == 0
}

func (r *Runner[S]) LastActive() time.Time {
	return time.Unix(0, r.lastActive.Load())
}

// Submit queues a command and waits for its reply. A deadline hit while
// waiting becomes model.ErrTimeout: the write may still land.
func (r *Runner[S]) Submit(ctx context.Context, decide Decide[S]) (any, error) {
	req := request[S]{decide: decide, reply: make(chan result, 1)}

	select {
	case r.mailbox <- req:
	case <-r.done:
		return nil, r.stoppedErr()
	case <-ctx.Done():
		return nil, waitErr(ctx)
	}

	select {
	case res := <-req.reply:
		return res.value, res.err
	case <-r.done:
		// the reply may have been sent right before exit
		select {
		case res := <-req.reply:
			return res.value, res.err
		default:
			return nil, r.stoppedErr()
		}
	case <-ctx.Done():
		return nil, waitErr(ctx)
	}
}

// Read runs fn against the confirmed state once recovery is done.
func (r *Runner[S]) Read(ctx context.Context, fn func(state S)) error {
	select {
	case <-r.ready:
	case <-r.done:
		if err := r.Err(); err != nil {
			return err
		}
		select {
		case <-r.ready:
		default:
			return r.stoppedErr()
		}
	case <-ctx.Done():
		return waitErr(ctx)
	}
	if err := r.Err(); err != nil {
		return err
	}
	r.lastActive.Store(time.Now().UnixNano())

	r.mu.RLock()
	defer r.mu.RUnlock()
	fn(r.confirmed)
	return nil
}

func (r *Runner[S]) stoppedErr() error {
	if err := r.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: %w", model.ErrUnavailable, ErrStopped)
}

func waitErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", model.ErrTimeout, ctx.Err())
	}
	return ctx.Err()
}

func (r *Runner[S]) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// persist writes batches strictly one after another. The run loop only
// hands over the next batch once the previous one was confirmed.
func (r *Runner[S]) persist(ctx context.Context) {
	base := context.WithoutCancel(ctx)
	for {
		select {
		case w := <-r.writes:
			start := time.Now()
			wctx, cancel := context.WithTimeout(base, r.opts.WriteTimeout)
			records, err := r.journal.Append(wctx, r.streamID, w.expectedSeq, w.events)
			cancel()
			r.opts.Metrics.ObservePersist(start, err)

			select {
			case r.confirms <- confirmation{records: records, err: err}:
			case <-r.done:
				return
			}
		case <-r.done:
			return
		}
	}
}

func (r *Runner[S]) run(ctx context.Context, after <-chan struct{}) {
	defer close(r.done)

	if after != nil {
		select {
		case <-after:
		case <-ctx.Done():
			r.fail(fmt.Errorf("%w: %w", model.ErrUnavailable, ctx.Err()))
			return
		}
	}

	state, seq, err := r.recover(ctx)
	r.opts.Metrics.ObserveRecovery(err)
	if err != nil {
		r.log.Error("refusing to activate stream", "error", err)
		r.fail(err)
		return
	}
	r.mu.Lock()
	r.confirmed, r.seq = state, seq
	r.mu.Unlock()
	close(r.ready)

	var (
		ahead       = state.Clone()
		aheadSeq    = seq
		lastSnap    = seq
		queue       []*entry[S]
		outq        []write
		inPersister bool
		stopping    bool
		quit        = r.quit
		ctxDone     = ctx.Done()
	)

	// outstanding drops before a reply goes out, so a caller that got its
	// answer already sees the runner as idle
	replyAll := func(err error) {
		r.outstanding.Add(-int64(len(queue)))
		for _, e := range queue {
			e.req.reply <- result{err: err}
		}
		queue = nil
	}

	for {
		if stopping && len(queue) == 0 && len(outq) == 0 && !inPersister {
			return
		}

		var mailbox <-chan request[S]
		if !stopping {
			mailbox = r.mailbox
		}
		var (
			writes chan<- write
			next   write
		)
		if len(outq) > 0 && !inPersister {
			writes, next = r.writes, outq[0]
		}

		select {
		case <-quit:
			stopping, quit = true, nil

		case <-ctxDone:
			stopping, ctxDone = true, nil

		case req := <-mailbox:
			r.lastActive.Store(time.Now().UnixNano())
			events, value, err := req.decide(ahead)

			if err != nil || len(events) == 0 {
				if len(queue) == 0 {
					req.reply <- result{value: value, err: err}
					continue
				}
				r.outstanding.Add(1)
				queue = append(queue, &entry[S]{req: req, value: value, err: err})
				continue
			}

			if err := applyAll(ahead, events); err != nil {
				// decide produced events its own state rejects; drop them
				ahead = r.rebuild(queue)
				req.reply <- result{err: err}
				continue
			}
			outq = append(outq, write{expectedSeq: aheadSeq, events: events})
			aheadSeq += int64(len(events))
			r.outstanding.Add(1)
			queue = append(queue, &entry[S]{req: req, events: events, value: value, write: true})

		case writes <- next:
			outq = outq[1:]
			inPersister = true

		case c := <-r.confirms:
			inPersister = false

			if c.err != nil {
				r.log.Error("durable write failed", "pending", len(queue), "error", c.err)
				head := queue[0]
				r.outstanding.Add(-1)
				head.req.reply <- result{err: fmt.Errorf("%w: %w", model.ErrUnavailable, c.err)}
				queue = queue[1:]
				replyAll(fmt.Errorf("%w: %w", model.ErrAborted, c.err))
				outq = nil

				// the failed write may still have landed; only the journal knows
				prevSeq := r.Seq()
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.WriteTimeout)
				state, seq, err := r.recover(rctx)
				if err != nil {
					cancel()
					r.log.Error("reload after failed write", "error", err)
					r.fail(err)
					return
				}
				r.mu.Lock()
				r.confirmed, r.seq = state, seq
				r.mu.Unlock()
				if seq > prevSeq {
					r.announceLanded(rctx, prevSeq, seq)
				}
				cancel()
				ahead, aheadSeq = state.Clone(), seq
				continue
			}

			head := queue[0]
			queue = queue[1:]

			r.mu.Lock()
			err := applyAll(r.confirmed, head.events)
			if err == nil && len(c.records) > 0 {
				r.seq = c.records[len(c.records)-1].Seq
			}
			r.mu.Unlock()
			if err != nil {
				// confirmed and speculative state disagree; nothing sane left to serve
				err = fmt.Errorf("%w: %w", model.ErrCorruptStream, err)
				r.outstanding.Add(-1)
				head.req.reply <- result{err: err}
				replyAll(err)
				r.fail(err)
				return
			}

			r.outstanding.Add(-1)
			head.req.reply <- result{value: head.value}

			if r.opts.OnConfirmed != nil {
				r.opts.OnConfirmed(c.records)
			}
			lastSnap = r.maybeSnapshot(ctx, lastSnap)

			for len(queue) > 0 && !queue[0].write {
				e := queue[0]
				r.outstanding.Add(-1)
				e.req.reply <- result{value: e.value, err: e.err}
				queue = queue[1:]
			}
		}
	}
}

// announceLanded hands OnConfirmed the records of writes that were reported
// as failed but turned out to be durable, so no confirmed seq is skipped.
func (r *Runner[S]) announceLanded(ctx context.Context, from, to int64) {
	if r.opts.OnConfirmed == nil {
		return
	}
	records, err := r.journal.Load(ctx, r.streamID, from)
	if err != nil {
		r.log.Warn("could not load writes that landed after a failure", "from_seq", from, "error", err)
		return
	}
	n := 0
	for n < len(records) && records[n].Seq <= to {
		n++
	}
	if n > 0 {
		r.log.Info("write reported as failed was durable", "from_seq", from, "to_seq", records[n-1].Seq)
		r.opts.OnConfirmed(records[:n])
	}
}

// rebuild recomputes the speculative state from the confirmed state and
// the writes still queued.
func (r *Runner[S]) rebuild(queue []*entry[S]) S {
	r.mu.RLock()
	ahead := r.confirmed.Clone()
	r.mu.RUnlock()
	for _, e := range queue {
		_ = applyAll(ahead, e.events)
	}
	return ahead
}

func applyAll[S State[S]](state S, events []model.Event) error {
	for _, ev := range events {
		if err := state.Apply(ev); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner[S]) maybeSnapshot(ctx context.Context, lastSnap int64) int64 {
	if r.snaps == nil || r.opts.SnapshotEvery <= 0 || r.seq-lastSnap < int64(r.opts.SnapshotEvery) {
		return lastSnap
	}
	data, err := r.confirmed.MarshalSnapshot()
	if err != nil {
		r.log.Warn("snapshot encode failed", "seq", r.seq, "error", err)
		return lastSnap
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.WriteTimeout)
	defer cancel()
	err = r.snaps.SaveSnapshot(sctx, store.Snapshot{StreamID: r.streamID, Seq: r.seq, State: data})
	if err != nil {
		r.log.Warn("snapshot save failed", "seq", r.seq, "error", err)
		return lastSnap
	}
	r.log.Debug("snapshot saved", "seq", r.seq)
	return r.seq
}

// recover rebuilds state from the latest usable snapshot plus the journal
// suffix. Snapshots are a shortcut only: one that cannot be read or decoded
// falls back to a full replay.
func (r *Runner[S]) recover(ctx context.Context) (S, int64, error) {
	state := r.def.New()
	var seq int64

	if r.snaps != nil {
		snap, ok, err := r.snaps.LatestSnapshot(ctx, r.streamID)
		switch {
		case err != nil:
			r.log.Warn("snapshot unavailable, replaying full stream", "error", err)
		case ok:
			restored, err := r.def.Restore(snap.State)
			if err != nil {
				r.log.Warn("snapshot undecodable, replaying full stream", "seq", snap.Seq, "error", err)
				break
			}
			state, seq = restored, snap.Seq
		}
	}

	records, err := r.journal.Load(ctx, r.streamID, seq)
	if err != nil {
		return state, 0, fmt.Errorf("%w: loading %s: %w", model.ErrUnavailable, r.streamID, err)
	}

	for _, rec := range records {
		if rec.Seq != seq+1 {
			return state, 0, fmt.Errorf("%w: %w: %s expected seq %d, found %d",
				model.ErrRecoveryFailed, model.ErrCorruptStream, r.streamID, seq+1, rec.Seq)
		}
		ev, err := model.Decode(rec)
		if err != nil {
			return state, 0, fmt.Errorf("%w: %w", model.ErrRecoveryFailed, err)
		}
		if err := state.Apply(ev); err != nil {
			return state, 0, fmt.Errorf("%w: %w: %s/%d: %v",
				model.ErrRecoveryFailed, model.ErrCorruptStream, r.streamID, rec.Seq, err)
		}
		seq = rec.Seq
	}

	r.log.Debug("stream recovered", "seq", seq, "replayed", len(records))
	return state, seq, nil
}
