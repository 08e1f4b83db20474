package aggregate_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Guizzs26/event_sourced_voting_system/internal/aggregate"
	"github.com/Guizzs26/event_sourced_voting_system/internal/model"
	"github.com/Guizzs26/event_sourced_voting_system/internal/store"
	"github.com/Guizzs26/event_sourced_voting_system/internal/store/mocks"
	"github.com/Guizzs26/event_sourced_voting_system/internal/voting"
)

var quiet = slog.New(slog.DiscardHandler)

var pizzaVsTacos = model.CreateVoting{ItemAID: "pizza", ItemBID: "tacos", MaxVotes: 3}

func startRunner(t *testing.T, j store.Journal, s store.SnapshotStore, opts aggregate.Options) *aggregate.Runner[*voting.State] {
	t.Helper()
	opts.Logger = quiet
	r := aggregate.New("v1", j, s, voting.Definition, opts)
	r.Start(context.Background(), nil)
	t.Cleanup(func() {
		r.Stop()
		<-r.Done()
	})
	return r
}

func vote(user, item string) aggregate.Decide[*voting.State] {
	return voting.Vote(model.CastVote{VotingID: "v1", ItemID: item, UserID: user})
}

// signalled closes ch once decide has run, which means the command sits in
// the runner's pending queue.
func signalled(decide aggregate.Decide[*voting.State], ch chan struct{}) aggregate.Decide[*voting.State] {
	return func(s *voting.State) ([]model.Event, any, error) {
		defer close(ch)
		return decide(s)
	}
}

func readResult(t *testing.T, r *aggregate.Runner[*voting.State]) model.VotingResult {
	t.Helper()
	var res model.VotingResult
	require.NoError(t, r.Read(context.Background(), func(s *voting.State) { res = s.Result() }))
	return res
}

// gatedJournal holds every Append until the test lets it through.
type gatedJournal struct {
	store.Journal
	entered chan struct{}
	release chan struct{}
}

func newGatedJournal(j store.Journal) *gatedJournal {
	return &gatedJournal{Journal: j, entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gatedJournal) Append(ctx context.Context, streamID string, expectedSeq int64, events []model.Event) ([]model.Record, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Journal.Append(ctx, streamID, expectedSeq, events)
}

// pass waits for the next Append and lets it through.
func (g *gatedJournal) pass() {
	<-g.entered
	g.release <- struct{}{}
}

func TestRunnerPersistsBeforeReplying(t *testing.T) {
	mem := store.NewMemoryStore()
	r := startRunner(t, mem, nil, aggregate.Options{})
	ctx := context.Background()

	reply, err := r.Submit(ctx, voting.Create("v1", pizzaVsTacos))
	require.NoError(t, err)
	assert.Equal(t, model.VotingCreatedReply{VotingID: "v1"}, reply)

	reply, err = r.Submit(ctx, vote("ana", "pizza"))
	require.NoError(t, err)
	assert.Equal(t, model.VoteDone{Votes: 1}, reply)

	assert.Equal(t, 2, mem.Events("v1"))
	assert.Equal(t, int64(2), r.Seq())
}

func TestRunnerRejectionWritesNothing(t *testing.T) {
	mem := store.NewMemoryStore()
	r := startRunner(t, mem, nil, aggregate.Options{})
	ctx := context.Background()

	_, err := r.Submit(ctx, vote("ana", "pizza"))
	assert.ErrorIs(t, err, model.ErrVotingNotFound)

	_, err = r.Submit(ctx, voting.Create("v1", pizzaVsTacos))
	require.NoError(t, err)
	_, err = r.Submit(ctx, vote("ana", "pizza"))
	require.NoError(t, err)

	_, err = r.Submit(ctx, vote("ana", "tacos"))
	assert.ErrorIs(t, err, model.ErrDuplicateVoter)
	_, err = r.Submit(ctx, vote("bob", "sushi"))
	assert.ErrorIs(t, err, model.ErrItemNotInVoting)

	assert.Equal(t, 2, mem.Events("v1"))
}

func TestRunnerRecoversFromJournal(t *testing.T) {
	mem := store.NewMemoryStore()
	ctx := context.Background()

	first := aggregate.New("v1", mem, nil, voting.Definition, aggregate.Options{Logger: quiet})
	first.Start(ctx, nil)
	_, err := first.Submit(ctx, voting.Create("v1", pizzaVsTacos))
	require.NoError(t, err)
	for _, u := range []string{"ana", "bob"} {
		_, err := first.Submit(ctx, vote(u, "tacos"))
		require.NoError(t, err)
	}
	first.Stop()
	<-first.Done()

	_, err = first.Submit(ctx, vote("carl", "pizza"))
	assert.ErrorIs(t, err, aggregate.ErrStopped)
	assert.ErrorIs(t, err, model.ErrUnavailable)

	second := startRunner(t, mem, nil, aggregate.Options{})
	res := readResult(t, second)
	require.NotNil(t, res.WinningItemID)
	assert.Equal(t, "tacos", *res.WinningItemID)
	assert.Equal(t, 2, res.Votes)
	assert.Equal(t, int64(3), second.Seq())

	_, err = second.Submit(ctx, vote("ana", "pizza"))
	assert.ErrorIs(t, err, model.ErrDuplicateVoter)
}

func TestRunnerWaitsForPredecessor(t *testing.T) {
	mem := store.NewMemoryStore()
	after := make(chan struct{})
	r := aggregate.New("v1", mem, nil, voting.Definition, aggregate.Options{Logger: quiet})
	r.Start(context.Background(), after)
	t.Cleanup(func() {
		r.Stop()
		<-r.Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.Read(ctx, func(*voting.State) {})
	assert.ErrorIs(t, err, model.ErrTimeout)

	close(after)
	assert.Equal(t, 0, readResult(t, r).Votes)
}

func TestRunnerFailedWriteAbortsQueueAndReloads(t *testing.T) {
	ctrl := gomock.NewController(t)
	journal := mocks.NewMockJournal(ctrl)
	mem := store.NewMemoryStore()

	entered := make(chan struct{})
	release := make(chan struct{})
	diskErr := errors.New("disk on fire")

	journal.EXPECT().Load(gomock.Any(), "v1", int64(0)).DoAndReturn(mem.Load).Times(2)
	gomock.InOrder(
		journal.EXPECT().Append(gomock.Any(), "v1", int64(0), gomock.Any()).DoAndReturn(mem.Append),
		journal.EXPECT().Append(gomock.Any(), "v1", int64(1), gomock.Any()).DoAndReturn(
			func(context.Context, string, int64, []model.Event) ([]model.Record, error) {
				close(entered)
				<-release
				return nil, diskErr
			}),
		journal.EXPECT().Append(gomock.Any(), "v1", int64(1), gomock.Any()).DoAndReturn(mem.Append),
	)

	r := startRunner(t, journal, nil, aggregate.Options{})
	ctx := context.Background()
	_, err := r.Submit(ctx, voting.Create("v1", pizzaVsTacos))
	require.NoError(t, err)

	failed := make(chan error, 1)
	go func() {
		_, err := r.Submit(ctx, vote("ana", "pizza"))
		failed <- err
	}()
	<-entered

	queued := make(chan struct{})
	aborted := make(chan error, 1)
	go func() {
		_, err := r.Submit(ctx, signalled(vote("bob", "pizza"), queued))
		aborted <- err
	}()
	<-queued
	close(release)

	err = <-failed
	assert.ErrorIs(t, err, model.ErrUnavailable)
	assert.ErrorIs(t, err, diskErr)
	err = <-aborted
	assert.ErrorIs(t, err, model.ErrAborted)

	assert.Equal(t, 0, readResult(t, r).Votes)
	assert.Equal(t, 1, mem.Events("v1"))

	reply, err := r.Submit(ctx, vote("ana", "pizza"))
	require.NoError(t, err)
	assert.Equal(t, model.VoteDone{Votes: 1}, reply)
}

func TestRunnerTimeoutLeavesWriteInFlight(t *testing.T) {
	mem := store.NewMemoryStore()
	gated := newGatedJournal(mem)
	r := startRunner(t, gated, nil, aggregate.Options{WriteTimeout: time.Minute})

	created := make(chan error, 1)
	go func() {
		_, err := r.Submit(context.Background(), voting.Create("v1", pizzaVsTacos))
		created <- err
	}()
	<-gated.entered

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.Submit(ctx, vote("ana", "pizza"))
	assert.ErrorIs(t, err, model.ErrTimeout)
	assert.True(t, model.IsRetryable(err))

	gated.release <- struct{}{}
	require.NoError(t, <-created)

	// the vote was decided before its caller gave up, so it still lands
	gated.pass()
	assert.Eventually(t, func() bool { return mem.Events("v1") == 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, r.Idle, time.Second, 5*time.Millisecond)
}

func TestRunnerHoldsRepliesBehindPendingWrites(t *testing.T) {
	mem := store.NewMemoryStore()
	gated := newGatedJournal(mem)
	r := startRunner(t, gated, nil, aggregate.Options{})
	ctx := context.Background()

	created := make(chan error, 1)
	go func() {
		_, err := r.Submit(ctx, voting.Create("v1", pizzaVsTacos))
		created <- err
	}()
	gated.pass()
	require.NoError(t, <-created)

	first := make(chan error, 1)
	go func() {
		_, err := r.Submit(ctx, vote("ana", "pizza"))
		first <- err
	}()
	<-gated.entered

	queued := make(chan struct{})
	second := make(chan error, 1)
	go func() {
		_, err := r.Submit(ctx, signalled(vote("ana", "tacos"), queued))
		second <- err
	}()
	<-queued

	select {
	case err := <-second:
		t.Fatalf("rejection answered before the write it depends on: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, readResult(t, r).Votes, "reads only see durable events")

	gated.release <- struct{}{}
	require.NoError(t, <-first)
	assert.ErrorIs(t, <-second, model.ErrDuplicateVoter)
	assert.Equal(t, 1, readResult(t, r).Votes)
}

func TestRunnerReportsConfirmedRecords(t *testing.T) {
	mem := store.NewMemoryStore()
	seen := make(chan []model.Record, 4)
	r := startRunner(t, mem, nil, aggregate.Options{
		OnConfirmed: func(records []model.Record) { seen <- records },
	})
	ctx := context.Background()

	_, err := r.Submit(ctx, voting.Create("v1", pizzaVsTacos))
	require.NoError(t, err)
	_, err = r.Submit(ctx, vote("ana", "tacos"))
	require.NoError(t, err)
	_, err = r.Submit(ctx, vote("ana", "tacos"))
	require.Error(t, err)

	batch := <-seen
	require.Len(t, batch, 1)
	assert.Equal(t, model.TypeVotingCreated, batch[0].Type)
	batch = <-seen
	require.Len(t, batch, 1)
	assert.Equal(t, int64(2), batch[0].Seq)
	assert.Empty(t, seen)
}

// lostAckJournal stores the write at failAt and then reports it as failed,
// like a write whose acknowledgment timed out.
type lostAckJournal struct {
	store.Journal
	failAt int64
}

func (j *lostAckJournal) Append(ctx context.Context, streamID string, expectedSeq int64, events []model.Event) ([]model.Record, error) {
	records, err := j.Journal.Append(ctx, streamID, expectedSeq, events)
	if err == nil && expectedSeq+1 == j.failAt {
		return nil, context.DeadlineExceeded
	}
	return records, err
}

func TestRunnerReportsWritesThatLandedDespiteAnError(t *testing.T) {
	mem := store.NewMemoryStore()
	seen := make(chan []model.Record, 4)
	r := startRunner(t, &lostAckJournal{Journal: mem, failAt: 2}, nil, aggregate.Options{
		OnConfirmed: func(records []model.Record) { seen <- records },
	})
	ctx := context.Background()

	_, err := r.Submit(ctx, voting.Create("v1", pizzaVsTacos))
	require.NoError(t, err)
	<-seen

	_, err = r.Submit(ctx, vote("ana", "pizza"))
	require.ErrorIs(t, err, model.ErrUnavailable)

	batch := <-seen
	require.Len(t, batch, 1)
	assert.Equal(t, int64(2), batch[0].Seq)
	assert.Equal(t, model.TypeVoteRecorded, batch[0].Type)
	assert.Equal(t, 1, readResult(t, r).Votes)

	reply, err := r.Submit(ctx, vote("bob", "pizza"))
	require.NoError(t, err)
	assert.Equal(t, model.VoteDone{Votes: 2}, reply)
	assert.Equal(t, int64(3), (<-seen)[0].Seq)
}

func fillStream(t *testing.T, j store.Journal, snaps store.SnapshotStore, every int) {
	t.Helper()
	ctx := context.Background()
	r := aggregate.New("v1", j, snaps, voting.Definition, aggregate.Options{Logger: quiet, SnapshotEvery: every})
	r.Start(ctx, nil)
	defer func() {
		r.Stop()
		<-r.Done()
	}()

	_, err := r.Submit(ctx, voting.Create("v1", pizzaVsTacos))
	require.NoError(t, err)
	for _, v := range [][2]string{{"ana", "pizza"}, {"bob", "tacos"}, {"carl", "pizza"}} {
		_, err := r.Submit(ctx, vote(v[0], v[1]))
		require.NoError(t, err)
	}
}

func TestRunnerRecoversFromSnapshot(t *testing.T) {
	mem := store.NewMemoryStore()
	fillStream(t, mem, mem, 2)

	snap, ok, err := mem.LatestSnapshot(context.Background(), "v1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4), snap.Seq)

	// damage the prefix the snapshot covers; recovery must not read it
	mem.Corrupt("v1", 1, model.Record{StreamID: "v1", Seq: 1, Type: "Bogus"})

	r := startRunner(t, mem, mem, aggregate.Options{})
	res := readResult(t, r)
	assert.Equal(t, 2, res.Votes)
	require.NotNil(t, res.WinningItemID)
	assert.Equal(t, "pizza", *res.WinningItemID)
	assert.Equal(t, int64(4), r.Seq())

	_, err = r.Submit(context.Background(), vote("dave", "pizza"))
	require.NoError(t, err)
	assert.True(t, readResult(t, r).Finished)
}

func TestRunnerFallsBackToReplayOnBadSnapshot(t *testing.T) {
	mem := store.NewMemoryStore()
	fillStream(t, mem, nil, 0)

	bad := store.Snapshot{StreamID: "v1", Seq: 3, State: json.RawMessage(`{"voting_id":""}`)}
	require.NoError(t, mem.SaveSnapshot(context.Background(), bad))

	r := startRunner(t, mem, mem, aggregate.Options{})
	assert.Equal(t, 2, readResult(t, r).Votes)
	assert.Equal(t, int64(4), r.Seq())
}

func TestRunnerRefusesDamagedStream(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(t *testing.T) model.Record
	}{
		{
			name: "sequence gap",
			corrupt: func(t *testing.T) model.Record {
				typ, data, err := model.Encode(model.VoteRecorded{VotingID: "v1", ItemID: "tacos", UserID: "bob", ResultingCount: 1})
				require.NoError(t, err)
				return model.Record{StreamID: "v1", Seq: 7, Type: typ, Data: data}
			},
		},
		{
			name: "undecodable payload",
			corrupt: func(*testing.T) model.Record {
				return model.Record{StreamID: "v1", Seq: 3, Type: model.TypeVoteRecorded, Data: json.RawMessage(`{`)}
			},
		},
		{
			name: "event the state rejects",
			corrupt: func(t *testing.T) model.Record {
				typ, data, err := model.Encode(model.VoteRecorded{VotingID: "v1", ItemID: "tacos", UserID: "ana", ResultingCount: 1})
				require.NoError(t, err)
				return model.Record{StreamID: "v1", Seq: 3, Type: typ, Data: data}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := store.NewMemoryStore()
			fillStream(t, mem, nil, 0)
			mem.Corrupt("v1", 3, tt.corrupt(t))

			r := startRunner(t, mem, nil, aggregate.Options{})
			<-r.Done()

			err := r.Read(context.Background(), func(*voting.State) {})
			assert.ErrorIs(t, err, model.ErrRecoveryFailed)
			assert.Equal(t, model.KindFatal, model.KindOf(err))

			_, err = r.Submit(context.Background(), vote("zoe", "pizza"))
			assert.ErrorIs(t, err, model.ErrRecoveryFailed)
		})
	}
}
