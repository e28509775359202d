package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a fixed-window counter per key.
type Limiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewLimiter allows limit hits per key within each window. A limit of zero disables it.
func NewLimiter(c *Cache, limit int, window time.Duration) *Limiter {
	return &Limiter{client: c.client, limit: limit, window: window}
}

// Allow records a hit for key and reports whether it is within the limit.
// When the limit is exceeded it also returns the time left in the window.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l == nil || l.limit <= 0 {
		return true, 0, nil
	}

	k := keyPrefix + "ratelimit:" + key
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.ExpireNX(ctx, k, l.window)
		ttl = pipe.TTL(ctx, k)
		return nil
	})
	if err != nil {
		return false, 0, err
	}

	if incr.Val() > int64(l.limit) {
		return false, ttl.Val(), nil
	}
	return true, 0, nil
}
