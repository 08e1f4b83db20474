// Package manager routes commands to voting handlers.
//
// Every voting id hashes to one partition. A partition keeps at most one
// live handler per voting, activates handlers lazily by replaying their
// stream, and evicts them once they have been idle for a while. Creation
// goes through the registry first, which is the only place where two
// votings can race for the same thing (an item pair).
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Guizzs26/event_sourced_voting_system/internal/aggregate"
	"github.com/Guizzs26/event_sourced_voting_system/internal/metrics"
	"github.com/Guizzs26/event_sourced_voting_system/internal/model"
	"github.com/Guizzs26/event_sourced_voting_system/internal/partition"
	"github.com/Guizzs26/event_sourced_voting_system/internal/registry"
	"github.com/Guizzs26/event_sourced_voting_system/internal/store"
	"github.com/Guizzs26/event_sourced_voting_system/internal/voting"
)

var errShutdown = errors.New("manager is shut down")

// Feed receives every durable voting event. Enqueue must not block.
type Feed interface {
	Enqueue(records []model.Record) bool
}

type Config struct {
	Partitions       int
	IdleTimeout      time.Duration
	EvictionInterval time.Duration
	CommandTimeout   time.Duration
	SnapshotEvery    int
	WriteTimeout     time.Duration
	MailboxSize      int
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithFeed(f Feed) Option {
	return func(m *Manager) { m.feed = f }
}

func WithIDGenerator(g registry.IDGenerator) Option {
	return func(m *Manager) { m.newID = g }
}

type Manager struct {
	cfg      Config
	journal  store.Journal
	snaps    store.SnapshotStore
	assignor *partition.Assignor
	registry *registry.Registry
	shards   []*shard
	log      *slog.Logger
	metrics  *metrics.Metrics
	feed     Feed
	newID    registry.IDGenerator
	tracer   trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New builds a manager over a journal and an optional snapshot store.
// Call Start before dispatching.
func New(journal store.Journal, snaps store.SnapshotStore, cfg Config, opts ...Option) (*Manager, error) {
	if journal == nil {
		return nil, errors.New("manager needs a journal")
	}
	assignor, err := partition.NewAssignor(cfg.Partitions)
	if err != nil {
		return nil, err
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.EvictionInterval <= 0 {
		cfg.EvictionInterval = 30 * time.Second
	}

	m := &Manager{
		cfg:      cfg,
		journal:  journal,
		snaps:    snaps,
		assignor: assignor,
		log:      slog.Default(),
		tracer:   otel.Tracer("github.com/Guizzs26/event_sourced_voting_system/internal/manager"),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.shards = make([]*shard, assignor.Count())
	for i := range m.shards {
		m.shards[i] = newShard(i, m.metrics)
	}
	m.registry = registry.New(journal, snaps, aggregate.Options{
		SnapshotEvery: cfg.SnapshotEvery,
		WriteTimeout:  cfg.WriteTimeout,
		MailboxSize:   cfg.MailboxSize,
		Logger:        m.log,
		Metrics:       m.metrics,
	}, m.newID)

	return m, nil
}

// Start brings up the registry and the eviction loop. Handlers outlive ctx
// cancellation until Shutdown has flushed them.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.registry.Start(m.ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.evictLoop(ctx)
	}()

	m.log.Info("manager started",
		"partitions", m.assignor.Count(),
		"idle_timeout", m.cfg.IdleTimeout,
		"snapshot_every", m.cfg.SnapshotEvery,
	)
}

// Shutdown stops accepting commands and waits until every handler has
// flushed its pending writes.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.cancel == nil || !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer m.cancel()

	var done []<-chan struct{}
	for _, s := range m.shards {
		done = append(done, s.stopAll()...)
	}
	m.registry.Stop()
	done = append(done, m.registry.Done())

	for _, d := range done {
		select {
		case <-d:
		case <-ctx.Done():
			return fmt.Errorf("shutdown interrupted with pending writes: %w", ctx.Err())
		}
	}

	m.cancel()
	m.wg.Wait()
	m.log.Info("manager stopped")
	return nil
}

func (m *Manager) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.evictIdle(now)
		}
	}
}

func (m *Manager) evictIdle(now time.Time) int {
	total := 0
	for _, s := range m.shards {
		evicted := s.evictIdle(now, m.cfg.IdleTimeout)
		if len(evicted) > 0 {
			m.log.Debug("evicted idle handlers", "partition", s.index, "count", len(evicted))
		}
		total += len(evicted)
	}
	return total
}

// Dispatch is the uniform entry point used by the transport layer. Errors
// come back exactly as the registry or the voting produced them.
func (m *Manager) Dispatch(ctx context.Context, cmd model.Command) (reply model.Reply, err error) {
	ctx, span := m.tracer.Start(ctx, "manager.Dispatch",
		trace.WithAttributes(attribute.String("voting.command", cmd.CommandName())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	defer func() {
		kind := model.KindOf(err)
		m.metrics.ObserveCommand(cmd.CommandName(), err,
			kind == model.KindInput || kind == model.KindConflict || kind == model.KindNotFound)
	}()

	if m.closed.Load() || m.ctx == nil {
		return nil, fmt.Errorf("%w: %w", model.ErrUnavailable, errShutdown)
	}
	if m.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.CommandTimeout)
		defer cancel()
	}

	switch c := cmd.(type) {
	case model.CreateVoting:
		id, err := m.createVoting(ctx, c)
		if err != nil {
			return nil, err
		}
		span.SetAttributes(attribute.String("voting.id", id))
		return model.VotingCreatedReply{VotingID: id}, nil

	case model.CastVote:
		span.SetAttributes(attribute.String("voting.id", c.VotingID))
		done, err := m.castVote(ctx, c)
		if err != nil {
			return nil, err
		}
		return done, nil

	case model.GetResult:
		span.SetAttributes(attribute.String("voting.id", c.VotingID))
		res, err := m.getResult(ctx, c)
		if err != nil {
			return nil, err
		}
		return res, nil

	default:
		return nil, fmt.Errorf("%w: unknown command %T", model.ErrInvalidInput, cmd)
	}
}

func (m *Manager) CreateVoting(ctx context.Context, itemAID, itemBID string, maxVotes int) (string, error) {
	reply, err := m.Dispatch(ctx, model.CreateVoting{ItemAID: itemAID, ItemBID: itemBID, MaxVotes: maxVotes})
	if err != nil {
		return "", err
	}
	return reply.(model.VotingCreatedReply).VotingID, nil
}

func (m *Manager) CastVote(ctx context.Context, votingID, itemID, userID string) (int, error) {
	reply, err := m.Dispatch(ctx, model.CastVote{VotingID: votingID, ItemID: itemID, UserID: userID})
	if err != nil {
		return 0, err
	}
	return reply.(model.VoteDone).Votes, nil
}

func (m *Manager) GetResult(ctx context.Context, votingID string) (model.VotingResult, error) {
	reply, err := m.Dispatch(ctx, model.GetResult{VotingID: votingID})
	if err != nil {
		return model.VotingResult{}, err
	}
	return reply.(model.VotingResult), nil
}

func (m *Manager) createVoting(ctx context.Context, cmd model.CreateVoting) (string, error) {
	if err := voting.ValidateCreate(cmd); err != nil {
		return "", err
	}

	res, err := m.registry.Reserve(ctx, cmd)
	if err != nil {
		existing, dup := registry.AsDuplicate(err)
		if !dup {
			return "", err
		}
		// The pair may be reserved by a create that never got to write
		// VotingCreated. The same request gets to finish it; anything else
		// is a duplicate.
		if !existing.Matches(cmd) {
			return "", fmt.Errorf("%w: %s and %s", model.ErrDuplicateItemPair, cmd.ItemAID, cmd.ItemBID)
		}
		res = existing
	}

	var created model.VotingCreatedReply
	err = m.withVoting(ctx, res.VotingID, func(r *aggregate.Runner[*voting.State]) error {
		reply, err := r.Submit(ctx, voting.Create(res.VotingID, res.Command()))
		if err != nil {
			return err
		}
		created = reply.(model.VotingCreatedReply)
		return nil
	})
	if errors.Is(err, model.ErrIDCollision) {
		// someone else completed this reservation first
		return "", fmt.Errorf("%w: %s and %s", model.ErrDuplicateItemPair, cmd.ItemAID, cmd.ItemBID)
	}
	if err != nil {
		return "", err
	}

	m.log.Info("voting created",
		"voting_id", created.VotingID,
		"item_a_id", res.ItemAID,
		"item_b_id", res.ItemBID,
		"max_votes", res.MaxVotes,
		"partition", m.assignor.PartitionOf(created.VotingID),
	)
	return created.VotingID, nil
}

func (m *Manager) castVote(ctx context.Context, cmd model.CastVote) (model.VoteDone, error) {
	if err := m.ensureKnown(ctx, cmd.VotingID); err != nil {
		return model.VoteDone{}, err
	}

	var done model.VoteDone
	err := m.withVoting(ctx, cmd.VotingID, func(r *aggregate.Runner[*voting.State]) error {
		reply, err := r.Submit(ctx, voting.Vote(cmd))
		if err != nil {
			return err
		}
		done = reply.(model.VoteDone)
		return nil
	})
	if err != nil {
		return model.VoteDone{}, err
	}

	m.log.Debug("vote recorded", "voting_id", cmd.VotingID, "item_id", cmd.ItemID, "votes", done.Votes)
	return done, nil
}

func (m *Manager) getResult(ctx context.Context, cmd model.GetResult) (model.VotingResult, error) {
	if err := m.ensureKnown(ctx, cmd.VotingID); err != nil {
		return model.VotingResult{}, err
	}

	var (
		res    model.VotingResult
		exists bool
	)
	err := m.withVoting(ctx, cmd.VotingID, func(r *aggregate.Runner[*voting.State]) error {
		return r.Read(ctx, func(s *voting.State) {
			exists = s.Exists()
			res = s.Result()
		})
	})
	if err != nil {
		return model.VotingResult{}, err
	}
	if !exists {
		return model.VotingResult{}, fmt.Errorf("%w: %s", model.ErrVotingNotFound, cmd.VotingID)
	}
	return res, nil
}

// ensureKnown answers not-found for ids the registry never issued, without
// activating a handler for them. The registry is only a shortcut here: when
// it cannot answer, the voting's own stream decides.
func (m *Manager) ensureKnown(ctx context.Context, votingID string) error {
	if votingID == "" {
		return fmt.Errorf("%w: empty voting id", model.ErrVotingNotFound)
	}
	known, err := m.registry.Known(ctx, votingID)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		m.log.Warn("registry unavailable, falling back to voting stream", "voting_id", votingID, "error", err)
		return nil
	}
	if !known {
		return fmt.Errorf("%w: %s", model.ErrVotingNotFound, votingID)
	}
	return nil
}

// withVoting runs fn against the live handler of votingID, activating it
// if needed. A handler that stopped under us is replaced and fn retried.
func (m *Manager) withVoting(ctx context.Context, votingID string, fn func(r *aggregate.Runner[*voting.State]) error) error {
	const attempts = 3
	var err error
	for i := 0; i < attempts; i++ {
		s := m.shards[m.assignor.PartitionOf(votingID)]
		h := s.acquire(votingID, m.activate)
		err = fn(h.runner)
		s.release(votingID, h)

		if !errors.Is(err, aggregate.ErrStopped) || ctx.Err() != nil || m.closed.Load() {
			return err
		}
	}
	return err
}

// activate builds and starts a handler for votingID. after, when set, is
// the Done channel of an evicted predecessor still flushing.
func (m *Manager) activate(s *shard, votingID string, after <-chan struct{}) *aggregate.Runner[*voting.State] {
	r := aggregate.New(votingID, m.journal, m.snaps, voting.Definition, aggregate.Options{
		SnapshotEvery: m.cfg.SnapshotEvery,
		WriteTimeout:  m.cfg.WriteTimeout,
		MailboxSize:   m.cfg.MailboxSize,
		Logger:        m.log.With("partition", s.index),
		Metrics:       m.metrics,
		OnConfirmed:   m.publish,
	})
	r.Start(m.ctx, after)
	m.metrics.HandlerActivated(s.label)
	return r
}

func (m *Manager) publish(records []model.Record) {
	if m.feed == nil {
		return
	}
	if !m.feed.Enqueue(records) {
		m.metrics.FeedPublishFailed(len(records))
		m.log.Warn("event feed is full, dropping records", "stream_id", records[0].StreamID, "count", len(records))
	}
}

// ActiveHandlers counts handlers currently held in memory.
func (m *Manager) ActiveHandlers() int {
	n := 0
	for _, s := range m.shards {
		n += s.size()
	}
	return n
}

// PartitionOf exposes the assignor so callers can log or route by it.
func (m *Manager) PartitionOf(votingID string) int {
	return m.assignor.PartitionOf(votingID)
}
