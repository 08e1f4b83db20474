package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Guizzs26/event_sourced_voting_system/internal/model"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

var codes = []struct {
	err    error
	code   string
	status int
}{
	{model.ErrInvalidInput, "InvalidInput", http.StatusBadRequest},
	{model.ErrItemNotInVoting, "ItemNotInVoting", http.StatusBadRequest},
	{model.ErrDuplicateItemPair, "DuplicateItemPair", http.StatusConflict},
	{model.ErrDuplicateVoter, "DuplicateVoter", http.StatusConflict},
	{model.ErrVotingFinished, "VotingFinished", http.StatusConflict},
	{model.ErrIDCollision, "IdCollision", http.StatusConflict},
	{model.ErrVotingNotFound, "VotingNotFound", http.StatusNotFound},
	{model.ErrTimeout, "Timeout", http.StatusServiceUnavailable},
	{model.ErrAborted, "Aborted", http.StatusServiceUnavailable},
	{model.ErrUnavailable, "Unavailable", http.StatusServiceUnavailable},
	{model.ErrRecoveryFailed, "RecoveryFailed", http.StatusInternalServerError},
	{model.ErrCorruptStream, "RecoveryFailed", http.StatusInternalServerError},
}

// classify maps a core error to its public code and HTTP status.
func classify(err error) (string, int) {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code, c.status
		}
	}
	if errors.Is(err, context.Canceled) {
		return "Canceled", 499
	}
	return "Internal", http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code, status := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// recovery details can carry storage internals
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:      code,
		Message:   msg,
		Retryable: model.IsRetryable(err),
	}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
