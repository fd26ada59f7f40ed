package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "statarb:snapshot:"

// RedisStore keeps each snapshot as a JSON blob under statarb:snapshot:<pair>.
// Suited to deployments where the snapshot is hot state shared with ops
// tooling rather than an archive.
type RedisStore struct {
	client *redis.Client
}

// NewRedis parses a redis:// URL, connects, and verifies with a ping.
func NewRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Save(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+snap.Pair, data, 0).Err(); err != nil {
		return fmt.Errorf("set snapshot %s: %w", snap.Pair, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, pair string) (Snapshot, bool, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+pair).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("get snapshot %s: %w", pair, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", pair, err)
	}
	return snap, true, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
