package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// VotingAPI is what the simulator drives; APIClient in production, the
// manager itself in tests.
type VotingAPI interface {
	CreateVoting(ctx context.Context, itemAID, itemBID string, maxVotes int) (string, error)
	CastVote(ctx context.Context, votingID, itemID, userID string) (int, error)
}

type voting struct {
	id    string
	items [2]string
}

type Simulator struct {
	api      VotingAPI
	log      *slog.Logger
	interval time.Duration
	votings  int
	maxVotes int
	// every fraudFrequency-th vote replays the previous voter
	fraudFrequency int
}

func New(api VotingAPI, log *slog.Logger) *Simulator {
	if log == nil {
		log = slog.Default()
	}
	return &Simulator{
		api:            api,
		log:            log,
		interval:       500 * time.Millisecond,
		votings:        3,
		maxVotes:       50,
		fraudFrequency: 5,
	}
}

// Run creates a few votings and then casts one vote per tick until ctx is
// done.
func (s *Simulator) Run(ctx context.Context) error {
	votings, err := s.setup(ctx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var (
		fraudCounter int
		lastUserID   string
		lastVoting   voting
	)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("simulator received shutdown signal")
			return nil

		case <-ticker.C:
			var (
				userID string
				target voting
			)
			fraudCounter++
			if fraudCounter >= s.fraudFrequency && lastUserID != "" {
				s.log.Info("casting a duplicate vote on purpose", "user_id", lastUserID, "voting_id", lastVoting.id)
				userID, target = lastUserID, lastVoting
				fraudCounter = 0
			} else {
				target = votings[rand.IntN(len(votings))]
				userID = fmt.Sprintf("user-%d", rand.IntN(100000))
				lastUserID, lastVoting = userID, target
			}

			s.vote(ctx, target, userID)
		}
	}
}

func (s *Simulator) setup(ctx context.Context) ([]voting, error) {
	run := time.Now().Unix()
	out := make([]voting, 0, s.votings)
	for i := 0; i < s.votings; i++ {
		v := voting{items: [2]string{
			fmt.Sprintf("item-%d-%d-a", run, i),
			fmt.Sprintf("item-%d-%d-b", run, i),
		}}
		id, err := s.api.CreateVoting(ctx, v.items[0], v.items[1], s.maxVotes)
		if err != nil {
			return nil, fmt.Errorf("failed to create voting %d: %w", i, err)
		}
		v.id = id
		s.log.Info("voting created", "voting_id", id, "item_a_id", v.items[0], "item_b_id", v.items[1])
		out = append(out, v)
	}
	return out, nil
}

func (s *Simulator) vote(ctx context.Context, target voting, userID string) {
	vctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	item := target.items[rand.IntN(2)]
	votes, err := s.api.CastVote(vctx, target.id, item, userID)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable {
			s.log.Info("vote rejected", "voting_id", target.id, "user_id", userID, "code", apiErr.Code)
			return
		}
		s.log.Warn("vote failed", "voting_id", target.id, "user_id", userID, "error", err)
		return
	}
	s.log.Info("vote accepted", "voting_id", target.id, "item_id", item, "votes", votes)
}
