package model

// Command is one of the three operations the Manager dispatches.
type Command interface {
	CommandName() string
}

type CreateVoting struct {
	ItemAID  string
	ItemBID  string
	MaxVotes int
}

func (CreateVoting) CommandName() string { return "create_voting" }

type CastVote struct {
	VotingID string
	ItemID   string
	UserID   string
}

func (CastVote) CommandName() string { return "vote" }

type GetResult struct {
	VotingID string
}

func (GetResult) CommandName() string { return "get_result" }

// Reply is what Dispatch hands back on success.
type Reply interface {
	reply()
}

type VotingCreatedReply struct {
	VotingID string `json:"votingId"`
}

type VoteDone struct {
	Votes int `json:"votes"`
}

// VotingResult reports the current leader. WinningItemID is nil while the
// counts are tied.
type VotingResult struct {
	WinningItemID *string `json:"winningItemId,omitempty"`
	Votes         int     `json:"votes"`
	Finished      bool    `json:"finished"`
}

func (VotingCreatedReply) reply() {}
func (VoteDone) reply()           {}
func (VotingResult) reply()       {}
