package voting

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/Guizzs26/event_sourced_voting_system/internal/aggregate"
	"github.com/Guizzs26/event_sourced_voting_system/internal/model"
)

// Definition wires the voting fold into an aggregate.Runner. A voting's
// stream id is its voting id.
var Definition = aggregate.Definition[*State]{
	New:     New,
	Restore: Restore,
}

// State is one voting folded from its stream. The zero value (via New) is
// a voting that does not exist yet.
type State struct {
	VotingID string
	ItemAID  string
	ItemBID  string
	MaxVotes int
	CountA   int
	CountB   int
	voters   map[string]struct{}
	created  bool
}

func New() *State {
	return &State{voters: make(map[string]struct{})}
}

func (s *State) Exists() bool { return s.created }

// Finished is derived: a voting ends the moment either side reaches
// MaxVotes. Votes are applied one at a time, so both sides can never reach
// it together.
func (s *State) Finished() bool {
	return s.created && (s.CountA >= s.MaxVotes || s.CountB >= s.MaxVotes)
}

func (s *State) HasVoted(userID string) bool {
	_, ok := s.voters[userID]
	return ok
}

func (s *State) Voters() []string {
	return slices.Sorted(maps.Keys(s.voters))
}

func (s *State) Result() model.VotingResult {
	switch {
	case s.CountA > s.CountB:
		winner := s.ItemAID
		return model.VotingResult{WinningItemID: &winner, Votes: s.CountA, Finished: s.Finished()}
	case s.CountB > s.CountA:
		winner := s.ItemBID
		return model.VotingResult{WinningItemID: &winner, Votes: s.CountB, Finished: s.Finished()}
	default:
		return model.VotingResult{Votes: s.CountA, Finished: s.Finished()}
	}
}

func (s *State) Apply(ev model.Event) error {
	switch e := ev.(type) {
	case model.VotingCreated:
		if s.created {
			return fmt.Errorf("voting %s created twice", e.VotingID)
		}
		if e.ItemAID == e.ItemBID || e.MaxVotes <= 0 {
			return fmt.Errorf("voting %s created with invalid parameters", e.VotingID)
		}
		s.VotingID, s.ItemAID, s.ItemBID, s.MaxVotes = e.VotingID, e.ItemAID, e.ItemBID, e.MaxVotes
		s.created = true

	case model.VoteRecorded:
		if !s.created {
			return fmt.Errorf("vote recorded before voting %s was created", e.VotingID)
		}
		if s.Finished() {
			return fmt.Errorf("vote recorded after voting %s finished", s.VotingID)
		}
		if s.HasVoted(e.UserID) {
			return fmt.Errorf("user %s recorded twice in voting %s", e.UserID, s.VotingID)
		}
		var count *int
		switch e.ItemID {
		case s.ItemAID:
			count = &s.CountA
		case s.ItemBID:
			count = &s.CountB
		default:
			return fmt.Errorf("vote for unknown item %s in voting %s", e.ItemID, s.VotingID)
		}
		if e.ResultingCount != *count+1 {
			return fmt.Errorf("vote for %s says count %d, state has %d", e.ItemID, e.ResultingCount, *count)
		}
		*count = e.ResultingCount
		s.voters[e.UserID] = struct{}{}

	default:
		return fmt.Errorf("unexpected event %s in a voting stream", ev.EventType())
	}
	return nil
}

func (s *State) Clone() *State {
	c := *s
	c.voters = maps.Clone(s.voters)
	if c.voters == nil {
		c.voters = make(map[string]struct{})
	}
	return &c
}

type snapshot struct {
	VotingID string   `json:"voting_id"`
	ItemAID  string   `json:"item_a_id"`
	ItemBID  string   `json:"item_b_id"`
	MaxVotes int      `json:"max_votes"`
	CountA   int      `json:"count_a"`
	CountB   int      `json:"count_b"`
	Voters   []string `json:"voters"`
	Finished bool     `json:"finished"`
}

func (s *State) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(snapshot{
		VotingID: s.VotingID,
		ItemAID:  s.ItemAID,
		ItemBID:  s.ItemBID,
		MaxVotes: s.MaxVotes,
		CountA:   s.CountA,
		CountB:   s.CountB,
		Voters:   s.Voters(),
		Finished: s.Finished(),
	})
}

// Restore rebuilds a State from a snapshot and checks that it is
// internally consistent before trusting it.
func Restore(data []byte) (*State, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode voting snapshot: %w", err)
	}
	if snap.VotingID == "" || snap.ItemAID == snap.ItemBID || snap.MaxVotes <= 0 {
		return nil, errors.New("voting snapshot has no valid voting")
	}
	if snap.CountA+snap.CountB != len(snap.Voters) || snap.CountA > snap.MaxVotes || snap.CountB > snap.MaxVotes {
		return nil, errors.New("voting snapshot counts do not match its voters")
	}

	s := New()
	s.VotingID, s.ItemAID, s.ItemBID, s.MaxVotes = snap.VotingID, snap.ItemAID, snap.ItemBID, snap.MaxVotes
	s.CountA, s.CountB = snap.CountA, snap.CountB
	s.created = true
	for _, u := range snap.Voters {
		s.voters[u] = struct{}{}
	}
	if len(s.voters) != len(snap.Voters) || s.Finished() != snap.Finished {
		return nil, errors.New("voting snapshot is inconsistent")
	}
	return s, nil
}
