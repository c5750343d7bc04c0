package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// redisWindowStore implements fixed window counters with INCR and EXPIRE so
// every replica shares the same tenant budget.
type redisWindowStore struct {
	client redis.UniversalClient
	prefix string
}

func newRedisWindowStore(client redis.UniversalClient, prefix string) *redisWindowStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "classes"
	}
	return &redisWindowStore{client: client, prefix: prefix}
}

func (s *redisWindowStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	if window < time.Second {
		window = time.Second
	}
	fullKey := fmt.Sprintf("%s:ratelimit:%s", s.prefix, key)

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, fullKey)
		// NX keeps the window anchored at the first request.
		pipe.ExpireNX(ctx, fullKey, window)
		ttl = pipe.TTL(ctx, fullKey)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("rate limit window: %w", err)
	}
	if incr.Val() <= int64(limit) {
		return true, 0, nil
	}
	retryAfter := ttl.Val()
	if retryAfter <= 0 {
		retryAfter = window
	}
	return false, retryAfter, nil
}

func (s *redisWindowStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
