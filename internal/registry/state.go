package registry

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/Guizzs26/event_sourced_voting_system/internal/aggregate"
	"github.com/Guizzs26/event_sourced_voting_system/internal/model"
)

// StreamID is the registry's own stream. It can not clash with a voting
// stream because voting ids are UUIDs.
const StreamID = "voting-registry"

var definition = aggregate.Definition[*State]{
	New:     newState,
	Restore: restoreState,
}

// Reservation is what the registry remembers about an item pair.
type Reservation struct {
	VotingID string `json:"voting_id"`
	ItemAID  string `json:"item_a_id"`
	ItemBID  string `json:"item_b_id"`
	MaxVotes int    `json:"max_votes"`
}

// Matches reports whether cmd asks for exactly this voting, in either item
// order.
func (r Reservation) Matches(cmd model.CreateVoting) bool {
	return PairKey(r.ItemAID, r.ItemBID) == PairKey(cmd.ItemAID, cmd.ItemBID) && r.MaxVotes == cmd.MaxVotes
}

// Command is the create request the reservation was made for.
func (r Reservation) Command() model.CreateVoting {
	return model.CreateVoting{ItemAID: r.ItemAID, ItemBID: r.ItemBID, MaxVotes: r.MaxVotes}
}

// PairKey normalizes an unordered pair. The length prefix keeps ids that
// contain the separator from colliding.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return strconv.Itoa(len(a)) + ":" + a + "|" + b
}

type State struct {
	pairs map[string]Reservation
	ids   map[string]struct{}
}

func newState() *State {
	return &State{
		pairs: make(map[string]Reservation),
		ids:   make(map[string]struct{}),
	}
}

func (s *State) lookup(a, b string) (Reservation, bool) {
	r, ok := s.pairs[PairKey(a, b)]
	return r, ok
}

func (s *State) known(votingID string) bool {
	_, ok := s.ids[votingID]
	return ok
}

func (s *State) Apply(ev model.Event) error {
	e, ok := ev.(model.PairReserved)
	if !ok {
		return fmt.Errorf("unexpected event %s in the registry stream", ev.EventType())
	}
	key := PairKey(e.ItemAID, e.ItemBID)
	if _, taken := s.pairs[key]; taken {
		return fmt.Errorf("pair %s reserved twice", key)
	}
	if _, taken := s.ids[e.VotingID]; taken {
		return fmt.Errorf("voting id %s reserved twice", e.VotingID)
	}
	s.pairs[key] = Reservation(e)
	s.ids[e.VotingID] = struct{}{}
	return nil
}

func (s *State) Clone() *State {
	c := newState()
	for k, v := range s.pairs {
		c.pairs[k] = v
	}
	for k := range s.ids {
		c.ids[k] = struct{}{}
	}
	return c
}

func (s *State) MarshalSnapshot() ([]byte, error) {
	list := make([]Reservation, 0, len(s.pairs))
	for _, r := range s.pairs {
		list = append(list, r)
	}
	return json.Marshal(list)
}

func restoreState(data []byte) (*State, error) {
	var list []Reservation
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to decode registry snapshot: %w", err)
	}
	s := newState()
	for _, r := range list {
		if err := s.Apply(model.PairReserved(r)); err != nil {
			return nil, fmt.Errorf("registry snapshot: %w", err)
		}
	}
	return s, nil
}
