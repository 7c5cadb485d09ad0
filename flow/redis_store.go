package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces pending states in a shared Redis.
const DefaultRedisPrefix = "qqconnect:state:"

// RedisStore shares pending states between instances. Take relies on GETDEL (Redis 6.2+).
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// Put stores value under key with ttl; a non-positive ttl uses DefaultStateTTL.
func (r *RedisStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	if err := r.rdb.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("flow: redis put: %w", err)
	}
	return nil
}

// Take atomically reads and deletes the state under key.
func (r *RedisStore) Take(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	v, err := r.rdb.GetDel(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("flow: redis take: %w", err)
	}
	return v, true, nil
}

// Ping checks the connection, used by health checks.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
