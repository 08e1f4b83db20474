package simulation

import (
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/event_sourced_voting_system/internal/httpapi"
	"github.com/Guizzs26/event_sourced_voting_system/internal/manager"
	"github.com/Guizzs26/event_sourced_voting_system/internal/model"
	"github.com/Guizzs26/event_sourced_voting_system/internal/store"
)

func startServer(t *testing.T) *APIClient {
	t.Helper()
	quiet := slog.New(slog.DiscardHandler)
	mem := store.NewMemoryStore()
	mgr, err := manager.New(mem, mem, manager.Config{Partitions: 2}, manager.WithLogger(quiet))
	require.NoError(t, err)
	mgr.Start(context.Background())

	srv := httptest.NewServer(httpapi.NewRouter(mgr, httpapi.Options{Logger: quiet}))
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Shutdown(context.Background())
	})
	return NewAPIClient(srv.URL+"/", srv.Client())
}

func TestAPIClientRoundTrip(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()

	id, err := c.CreateVoting(ctx, "left", "right", 2)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	votes, err := c.CastVote(ctx, id, "right", "ana")
	require.NoError(t, err)
	assert.Equal(t, 1, votes)

	res, err := c.GetResult(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, res.WinningItemID)
	assert.Equal(t, "right", *res.WinningItemID)
	assert.Equal(t, model.VotingResult{WinningItemID: res.WinningItemID, Votes: 1}, res)
}

func TestAPIClientSurfacesErrorCodes(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()

	id, err := c.CreateVoting(ctx, "left", "right", 2)
	require.NoError(t, err)

	_, err = c.CreateVoting(ctx, "right", "left", 2)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 409, apiErr.Status)
	assert.Equal(t, "DuplicateItemPair", apiErr.Code)
	assert.False(t, apiErr.Retryable)

	_, err = c.CastVote(ctx, id, "ana", "nobody")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "ItemNotInVoting", apiErr.Code)

	_, err = c.GetResult(ctx, "missing")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.Status)
}
