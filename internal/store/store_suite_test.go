package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/stretchr/testify/suite"

	"github.com/Guizzs26/event_sourced_voting_system/internal/model"
)

// journalSuite is the contract every Journal + SnapshotStore pair must
// honour. Concrete suites set newStores.
type journalSuite struct {
	suite.Suite
	newStores func() (Journal, SnapshotStore)

	journal Journal
	snaps   SnapshotStore
	ctx     context.Context
}

func (s *journalSuite) SetupTest() {
	s.ctx = context.Background()
	s.journal, s.snaps = s.newStores()
}

func created(id string) model.Event {
	return model.VotingCreated{VotingID: id, ItemAID: "a", ItemBID: "b", MaxVotes: 3}
}

func voted(id, user string, count int) model.Event {
	return model.VoteRecorded{VotingID: id, ItemID: "a", UserID: user, ResultingCount: count}
}

func (s *journalSuite) TestAppendAssignsConsecutiveSeqs() {
	recs, err := s.journal.Append(s.ctx, "v1", 0, []model.Event{created("v1"), voted("v1", "u1", 1)})
	s.Require().NoError(err)
	s.Require().Len(recs, 2)
	s.Equal(int64(1), recs[0].Seq)
	s.Equal(int64(2), recs[1].Seq)
	s.Equal(model.TypeVotingCreated, recs[0].Type)

	recs, err = s.journal.Append(s.ctx, "v1", 2, []model.Event{voted("v1", "u2", 2)})
	s.Require().NoError(err)
	s.Equal(int64(3), recs[0].Seq)
}

func (s *journalSuite) TestLoadReturnsSuffixInOrder() {
	_, err := s.journal.Append(s.ctx, "v1", 0, []model.Event{created("v1"), voted("v1", "u1", 1), voted("v1", "u2", 2)})
	s.Require().NoError(err)

	all, err := s.journal.Load(s.ctx, "v1", 0)
	s.Require().NoError(err)
	s.Require().Len(all, 3)

	suffix, err := s.journal.Load(s.ctx, "v1", 1)
	s.Require().NoError(err)
	s.Require().Len(suffix, 2)
	s.Equal(int64(2), suffix[0].Seq)
	s.Equal("v1", suffix[0].StreamID)

	ev, err := model.Decode(suffix[1])
	s.Require().NoError(err)
	s.Equal(voted("v1", "u2", 2), ev)

	none, err := s.journal.Load(s.ctx, "v1", 3)
	s.Require().NoError(err)
	s.Empty(none)
}

func (s *journalSuite) TestStreamsAreIndependent() {
	_, err := s.journal.Append(s.ctx, "v1", 0, []model.Event{created("v1")})
	s.Require().NoError(err)
	_, err = s.journal.Append(s.ctx, "v2", 0, []model.Event{created("v2")})
	s.Require().NoError(err)

	recs, err := s.journal.Load(s.ctx, "v2", 0)
	s.Require().NoError(err)
	s.Require().Len(recs, 1)
	s.Equal("v2", recs[0].StreamID)

	missing, err := s.journal.Load(s.ctx, "nope", 0)
	s.Require().NoError(err)
	s.Empty(missing)
}

func (s *journalSuite) TestAppendRejectsStaleExpectedSeq() {
	_, err := s.journal.Append(s.ctx, "v1", 0, []model.Event{created("v1")})
	s.Require().NoError(err)

	_, err = s.journal.Append(s.ctx, "v1", 0, []model.Event{created("v1")})
	s.ErrorIs(err, ErrSequenceConflict)

	_, err = s.journal.Append(s.ctx, "v1", 5, []model.Event{voted("v1", "u1", 1)})
	s.ErrorIs(err, ErrSequenceConflict)

	recs, err := s.journal.Load(s.ctx, "v1", 0)
	s.Require().NoError(err)
	s.Len(recs, 1, "rejected appends must not leave anything behind")
}

func (s *journalSuite) TestAppendRejectsEmptyBatch() {
	_, err := s.journal.Append(s.ctx, "v1", 0, nil)
	s.Error(err)
}

func (s *journalSuite) TestConcurrentAppendsHaveOneWinner() {
	const writers = 8
	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for i := 0; i < writers; i++ {
		wg.Go(func() {
			_, err := s.journal.Append(s.ctx, "race", 0, []model.Event{created("race")})
			switch {
			case err == nil:
				won.Add(1)
			case !errors.Is(err, ErrSequenceConflict):
				s.Failf("unexpected error", "%v", err)
			}
		})
	}
	wg.Wait()

	s.Equal(int32(1), won.Load())
	recs, err := s.journal.Load(s.ctx, "race", 0)
	s.Require().NoError(err)
	s.Len(recs, 1)
}

func (s *journalSuite) TestSnapshotsKeepTheNewest() {
	_, ok, err := s.snaps.LatestSnapshot(s.ctx, "v1")
	s.Require().NoError(err)
	s.False(ok)

	state := json.RawMessage(`{"count_a":2}`)
	s.Require().NoError(s.snaps.SaveSnapshot(s.ctx, Snapshot{StreamID: "v1", Seq: 10, State: state}))
	s.Require().NoError(s.snaps.SaveSnapshot(s.ctx, Snapshot{StreamID: "v1", Seq: 4, State: json.RawMessage(`{"old":true}`)}))

	snap, ok, err := s.snaps.LatestSnapshot(s.ctx, "v1")
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(int64(10), snap.Seq)
	s.JSONEq(string(state), string(snap.State))
	s.False(snap.TakenAt.IsZero())

	s.Require().NoError(s.snaps.SaveSnapshot(s.ctx, Snapshot{StreamID: "v1", Seq: 12, State: json.RawMessage(`{"count_a":3}`)}))
	snap, _, err = s.snaps.LatestSnapshot(s.ctx, "v1")
	s.Require().NoError(err)
	s.Equal(int64(12), snap.Seq)
}
