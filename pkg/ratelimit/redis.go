package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisFixedWindowScript counts calls in a fixed window atomically.
// KEYS[1] = counter key
// ARGV[1] = window length in milliseconds
// ARGV[2] = max calls per window
var redisFixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
if count > tonumber(ARGV[2]) then
    return 0
end
return 1
`)

// RedisStore shares fixed-window counters between protocol instances. Window
// expiry follows the Redis server clock.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client. Keys are namespaced under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "commit:ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisStoreFromAddr dials a single Redis node.
func NewRedisStoreFromAddr(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStore(rdb, "")
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Allow executes the fixed window script for key.
func (s *RedisStore) Allow(ctx context.Context, key string, policy Policy, _ time.Time) (bool, error) {
	res, err := redisFixedWindowScript.Run(ctx, s.client, []string{s.prefix + key}, policy.Window.Milliseconds(), policy.MaxCalls).Int64()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}
	return res == 1, nil
}

// Reset deletes counters under prefix.
func (s *RedisStore) Reset(ctx context.Context, prefix string) error {
	iter := s.client.Scan(ctx, 0, s.prefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis limiter reset: %w", err)
		}
	}
	return iter.Err()
}
