//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Guizzs26/event_sourced_voting_system/internal/platform/database"
)

func startPostgres(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()

	pg, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("voting"),
		postgres.WithUsername("voting"),
		postgres.WithPassword("voting"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := database.OpenPostgres(ctx, dsn, nil)
	require.NoError(t, err)

	s := NewSQLStore(db, Postgres)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	require.NoError(t, client.Ping(ctx).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type postgresSuite struct {
	journalSuite
	store *SQLStore
}

func (s *postgresSuite) SetupSuite() {
	s.store = startPostgres(s.T())
	s.newStores = func() (Journal, SnapshotStore) { return s.store, s.store }
}

func (s *postgresSuite) SetupTest() {
	_, err := s.store.db.ExecContext(context.Background(), `TRUNCATE voting_events, voting_snapshots`)
	s.Require().NoError(err)
	s.journalSuite.SetupTest()
}

func TestPostgresStore(t *testing.T) {
	suite.Run(t, new(postgresSuite))
}

type redisSuite struct {
	journalSuite
	client *redis.Client
}

func (s *redisSuite) SetupSuite() {
	s.client = startRedis(s.T())
	s.newStores = func() (Journal, SnapshotStore) {
		return NewMemoryStore(), NewRedisSnapshotStoreFromClient(s.client)
	}
}

func (s *redisSuite) SetupTest() {
	s.Require().NoError(s.client.FlushAll(context.Background()).Err())
	s.journalSuite.SetupTest()
}

func TestRedisSnapshotStore(t *testing.T) {
	suite.Run(t, new(redisSuite))
}
