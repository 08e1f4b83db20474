package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// saveIfNewer keeps the latest snapshot per stream. Writing an older seq is
// a no-op, so late snapshot writers can never roll the stream back.
var saveIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'seq')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'seq', ARGV[1], 'state', ARGV[2], 'taken_at', ARGV[3])
return 1
`)

// RedisSnapshotStore keeps the latest snapshot of every stream in a hash
// under voting:snapshot:<streamID>.
type RedisSnapshotStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisSnapshotStore(ctx context.Context, addr string) (*RedisSnapshotStore, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis URL: %w", err)
	}

	c := redis.NewClient(opts)

	// redis may still be starting next to us (compose), give it a few tries
	ping := func() error { return c.Ping(ctx).Err() }
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(ping, policy); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}

	return NewRedisSnapshotStoreFromClient(c), nil
}

func NewRedisSnapshotStoreFromClient(c *redis.Client) *RedisSnapshotStore {
	return &RedisSnapshotStore{client: c, now: time.Now}
}

func snapshotKey(streamID string) string {
	return fmt.Sprintf("voting:snapshot:%s", streamID)
}

func (rs *RedisSnapshotStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.TakenAt.IsZero() {
		snap.TakenAt = rs.now()
	}
	err := saveIfNewer.Run(ctx, rs.client,
		[]string{snapshotKey(snap.StreamID)},
		snap.Seq, string(snap.State), snap.TakenAt.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("error saving snapshot %s/%d: %w", snap.StreamID, snap.Seq, err)
	}
	return nil
}

func (rs *RedisSnapshotStore) LatestSnapshot(ctx context.Context, streamID string) (Snapshot, bool, error) {
	fields, err := rs.client.HGetAll(ctx, snapshotKey(streamID)).Result()
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("error reading snapshot of %s: %w", streamID, err)
	}
	if len(fields) == 0 {
		return Snapshot{}, false, nil
	}

	seq, err := strconv.ParseInt(fields["seq"], 10, 64)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("error converting snapshot seq of %s: %w", streamID, err)
	}
	takenAt, err := time.Parse(time.RFC3339Nano, fields["taken_at"])
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("error converting snapshot time of %s: %w", streamID, err)
	}

	return Snapshot{
		StreamID: streamID,
		Seq:      seq,
		State:    []byte(fields["state"]),
		TakenAt:  takenAt,
	}, true, nil
}

func (rs *RedisSnapshotStore) Close() error {
	if err := rs.client.Close(); err != nil {
		return fmt.Errorf("error closing redis client: %w", err)
	}
	return nil
}
