package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Guizzs26/event_sourced_voting_system/internal/model"
)

type handlers struct {
	svc VotingService
	log *slog.Logger
}

type createVotingRequest struct {
	ItemAID  string `json:"itemAId"`
	ItemBID  string `json:"itemBId"`
	MaxVotes int    `json:"maxVotes"`
}

type castVoteRequest struct {
	ItemID string `json:"itemId"`
	UserID string `json:"userId"`
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed body: %v", model.ErrInvalidInput, err)
	}
	return nil
}

func (h *handlers) createVoting(w http.ResponseWriter, r *http.Request) {
	var req createVotingRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	id, err := h.svc.CreateVoting(r.Context(), req.ItemAID, req.ItemBID, req.MaxVotes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, model.VotingCreatedReply{VotingID: id})
}

func (h *handlers) castVote(w http.ResponseWriter, r *http.Request) {
	var req castVoteRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.UserID == "" {
		h.fail(w, r, fmt.Errorf("%w: userId is required", model.ErrInvalidInput))
		return
	}

	votes, err := h.svc.CastVote(r.Context(), chi.URLParam(r, "votingID"), req.ItemID, req.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.VoteDone{Votes: votes})
}

func (h *handlers) getResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.GetResult(r.Context(), chi.URLParam(r, "votingID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	if _, status := classify(err); status >= http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "voting request failed",
			"path", r.URL.Path,
			"kind", string(model.KindOf(err)),
			"error", err,
		)
	}
	writeError(w, err)
}
