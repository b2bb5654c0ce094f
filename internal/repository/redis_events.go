package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisEventStore keeps processed webhook event ids in redis with a ttl.
type RedisEventStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisEventStore(client redis.UniversalClient, prefix string) *RedisEventStore {
	return &RedisEventStore{client: client, prefix: prefix}
}

func (s *RedisEventStore) MarkProcessed(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, time.Now().Unix(), ttl).Err()
}

func (s *RedisEventStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
