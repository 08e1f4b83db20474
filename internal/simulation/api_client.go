package simulation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Guizzs26/event_sourced_voting_system/internal/model"
)

// APIError is a non-2xx answer from the voting API.
type APIError struct {
	Status    int
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// APIClient talks to the voting HTTP API.
type APIClient struct {
	baseURL string
	http    *http.Client
}

func NewAPIClient(baseURL string, hc *http.Client) *APIClient {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &APIClient{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *APIClient) CreateVoting(ctx context.Context, itemAID, itemBID string, maxVotes int) (string, error) {
	var out model.VotingCreatedReply
	body := map[string]any{"itemAId": itemAID, "itemBId": itemBID, "maxVotes": maxVotes}
	if err := c.do(ctx, http.MethodPost, "/votings", body, &out); err != nil {
		return "", err
	}
	return out.VotingID, nil
}

func (c *APIClient) CastVote(ctx context.Context, votingID, itemID, userID string) (int, error) {
	var out model.VoteDone
	body := map[string]string{"itemId": itemID, "userId": userID}
	if err := c.do(ctx, http.MethodPost, "/votings/"+votingID+"/votes", body, &out); err != nil {
		return 0, err
	}
	return out.Votes, nil
}

func (c *APIClient) GetResult(ctx context.Context, votingID string) (model.VotingResult, error) {
	var out model.VotingResult
	if err := c.do(ctx, http.MethodGet, "/votings/"+votingID, nil, &out); err != nil {
		return model.VotingResult{}, err
	}
	return out, nil
}

func (c *APIClient) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var wrapper struct {
			Error APIError `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&wrapper)
		wrapper.Error.Status = resp.StatusCode
		return &wrapper.Error
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s: %w", method, path, err)
	}
	return nil
}
