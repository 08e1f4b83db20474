package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Guizzs26/event_sourced_voting_system/internal/aggregate"
	"github.com/Guizzs26/event_sourced_voting_system/internal/model"
	"github.com/Guizzs26/event_sourced_voting_system/internal/store"
)

// DuplicatePairError carries the reservation that already owns the pair.
// It matches model.ErrDuplicatePair with errors.Is.
type DuplicatePairError struct {
	Existing Reservation
}

func (e *DuplicatePairError) Error() string {
	return fmt.Sprintf("%s: %s/%s held by %s", model.ErrDuplicatePair, e.Existing.ItemAID, e.Existing.ItemBID, e.Existing.VotingID)
}

func (e *DuplicatePairError) Is(target error) bool { return target == model.ErrDuplicatePair }

// ErrNotStarted is returned by a registry used before Start.
var ErrNotStarted = fmt.Errorf("%w: voting registry not started", model.ErrUnavailable)

// IDGenerator returns a fresh random voting id.
type IDGenerator func() (string, error)

func NewUUID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate voting id: %w", err)
	}
	return id.String(), nil
}

// Registry is the event-sourced index of reserved item pairs and issued
// voting ids. All reservations go through one runner, so two concurrent
// reservations of the same pair resolve to exactly one winner.
type Registry struct {
	journal store.Journal
	snaps   store.SnapshotStore
	opts    aggregate.Options
	newID   IDGenerator

	mu      sync.Mutex
	ctx     context.Context
	runner  *aggregate.Runner[*State]
	stopped bool
}

func New(journal store.Journal, snaps store.SnapshotStore, opts aggregate.Options, newID IDGenerator) *Registry {
	if newID == nil {
		newID = NewUUID
	}
	return &Registry{journal: journal, snaps: snaps, opts: opts, newID: newID}
}

func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx = ctx
	r.runner = aggregate.New(StreamID, r.journal, r.snaps, definition, r.opts)
	r.runner.Start(ctx, nil)
}

// Stop flushes pending reservations; Done closes once they are durable.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.runner != nil {
		r.runner.Stop()
	}
}

// Done closes once a started registry has flushed. A registry that was
// never started is already done.
func (r *Registry) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runner == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return r.runner.Done()
}

// active returns the live runner. A runner that died on a recovery error is
// replaced, so a storage outage does not take the registry down for good.
func (r *Registry) active() (*aggregate.Runner[*State], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runner == nil {
		return nil, ErrNotStarted
	}
	select {
	case <-r.runner.Done():
		if !r.stopped && r.runner.Err() != nil {
			r.runner = aggregate.New(StreamID, r.journal, r.snaps, definition, r.opts)
			r.runner.Start(r.ctx, nil)
		}
	default:
	}
	return r.runner, nil
}

// Reserve claims the unordered pair of cmd for a new voting id.
func (r *Registry) Reserve(ctx context.Context, cmd model.CreateVoting) (Reservation, error) {
	votingID, err := r.newID()
	if err != nil {
		return Reservation{}, fmt.Errorf("%w: %w", model.ErrUnavailable, err)
	}

	runner, err := r.active()
	if err != nil {
		return Reservation{}, err
	}
	reply, err := runner.Submit(ctx, func(s *State) ([]model.Event, any, error) {
		if existing, ok := s.lookup(cmd.ItemAID, cmd.ItemBID); ok {
			return nil, nil, &DuplicatePairError{Existing: existing}
		}
		if s.known(votingID) {
			return nil, nil, fmt.Errorf("%w: %s", model.ErrIDCollision, votingID)
		}
		ev := model.PairReserved{
			VotingID: votingID,
			ItemAID:  cmd.ItemAID,
			ItemBID:  cmd.ItemBID,
			MaxVotes: cmd.MaxVotes,
		}
		return []model.Event{ev}, Reservation(ev), nil
	})
	if err != nil {
		return Reservation{}, err
	}
	return reply.(Reservation), nil
}

// Lookup returns the voting id holding a pair, or model.ErrNotFound.
func (r *Registry) Lookup(ctx context.Context, itemAID, itemBID string) (string, error) {
	var (
		res Reservation
		ok  bool
	)
	runner, err := r.active()
	if err != nil {
		return "", err
	}
	if err := runner.Read(ctx, func(s *State) { res, ok = s.lookup(itemAID, itemBID) }); err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: pair %s/%s", model.ErrNotFound, itemAID, itemBID)
	}
	return res.VotingID, nil
}

// Known reports whether votingID was ever issued.
func (r *Registry) Known(ctx context.Context, votingID string) (bool, error) {
	runner, err := r.active()
	if err != nil {
		return false, err
	}
	var ok bool
	err = runner.Read(ctx, func(s *State) { ok = s.known(votingID) })
	return ok, err
}

// AsDuplicate unwraps a DuplicatePairError.
func AsDuplicate(err error) (Reservation, bool) {
	var dup *DuplicatePairError
	if errors.As(err, &dup) {
		return dup.Existing, true
	}
	return Reservation{}, false
}
