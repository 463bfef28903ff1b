package correlation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore keeps idempotency records in Redis so multiple
// instances share one cache. Records are JSON values under a key prefix with
// a native Redis TTL; Redis evicts expired entries itself, so PurgeExpired
// has nothing to do.
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
}

// NewRedisIdempotencyStore creates a store over an existing Redis client.
func NewRedisIdempotencyStore(client *redis.Client) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, prefix: "settlecore:idem:"}
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *RedisIdempotencyStore) Put(ctx context.Context, record *Record) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.client.Set(ctx, s.prefix+record.Key, raw, ttl).Err()
}

func (s *RedisIdempotencyStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

func (s *RedisIdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}
