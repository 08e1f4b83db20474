package voting

import (
	"fmt"

	"github.com/Guizzs26/event_sourced_voting_system/internal/aggregate"
	"github.com/Guizzs26/event_sourced_voting_system/internal/model"
)

// ValidateCreate checks a create request before anything is reserved or
// written.
func ValidateCreate(cmd model.CreateVoting) error {
	switch {
	case cmd.ItemAID == "" || cmd.ItemBID == "":
		return fmt.Errorf("%w: item ids must not be empty", model.ErrInvalidInput)
	case cmd.ItemAID == cmd.ItemBID:
		return fmt.Errorf("%w: a voting needs two different items", model.ErrInvalidInput)
	case cmd.MaxVotes <= 0:
		return fmt.Errorf("%w: maxVotes must be positive, got %d", model.ErrInvalidInput, cmd.MaxVotes)
	}
	return nil
}

// Create starts the voting with the given id. It fails with
// model.ErrIDCollision if the stream already holds a voting.
func Create(votingID string, cmd model.CreateVoting) aggregate.Decide[*State] {
	return func(s *State) ([]model.Event, any, error) {
		if err := ValidateCreate(cmd); err != nil {
			return nil, nil, err
		}
		if s.Exists() {
			return nil, nil, fmt.Errorf("%w: %s", model.ErrIDCollision, votingID)
		}
		ev := model.VotingCreated{
			VotingID: votingID,
			ItemAID:  cmd.ItemAID,
			ItemBID:  cmd.ItemBID,
			MaxVotes: cmd.MaxVotes,
		}
		return []model.Event{ev}, model.VotingCreatedReply{VotingID: votingID}, nil
	}
}

// Vote records one vote. Checks run in a fixed order: existence, finished,
// item membership, then duplicate voter.
func Vote(cmd model.CastVote) aggregate.Decide[*State] {
	return func(s *State) ([]model.Event, any, error) {
		if !s.Exists() {
			return nil, nil, fmt.Errorf("%w: %s", model.ErrVotingNotFound, cmd.VotingID)
		}
		if s.Finished() {
			return nil, nil, fmt.Errorf("%w: %s", model.ErrVotingFinished, cmd.VotingID)
		}

		var current int
		switch cmd.ItemID {
		case s.ItemAID:
			current = s.CountA
		case s.ItemBID:
			current = s.CountB
		default:
			return nil, nil, fmt.Errorf("%w: %q in %s", model.ErrItemNotInVoting, cmd.ItemID, cmd.VotingID)
		}

		if cmd.UserID == "" {
			return nil, nil, fmt.Errorf("%w: user id must not be empty", model.ErrInvalidInput)
		}
		if s.HasVoted(cmd.UserID) {
			return nil, nil, fmt.Errorf("%w: %s in %s", model.ErrDuplicateVoter, cmd.UserID, cmd.VotingID)
		}

		ev := model.VoteRecorded{
			VotingID:       cmd.VotingID,
			ItemID:         cmd.ItemID,
			UserID:         cmd.UserID,
			ResultingCount: current + 1,
		}
		return []model.Event{ev}, model.VoteDone{Votes: ev.ResultingCount}, nil
	}
}
