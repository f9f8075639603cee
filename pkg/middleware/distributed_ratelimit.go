package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DistributedRateLimiter is a Redis fixed-window limiter shared by every
// API instance. Each window gets its own key so counters never need resetting.
type DistributedRateLimiter struct {
	redis  *redis.Client
	prefix string
	now    func() time.Time
}

// NewDistributedRateLimiter creates a new Redis-backed rate limiter
func NewDistributedRateLimiter(client *redis.Client, prefix string) *DistributedRateLimiter {
	if prefix == "" {
		prefix = "netforge:ratelimit"
	}
	return &DistributedRateLimiter{redis: client, prefix: prefix, now: time.Now}
}

// Allow counts one request against key's current window
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (RateDecision, error) {
	now := rl.now()
	windowStart := now.Truncate(window)
	resetAt := windowStart.Add(window)
	redisKey := fmt.Sprintf("%s:%s:%d", rl.prefix, key, windowStart.Unix())

	pipe := rl.redis.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireAt(ctx, redisKey, resetAt.Add(time.Second))
	if _, err := pipe.Exec(ctx); err != nil {
		return RateDecision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: resetAt}, fmt.Errorf("redis error: %w", err)
	}

	count := int(incr.Val())
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return RateDecision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Reset clears key's current window (for admin use and tests)
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string, window time.Duration) error {
	windowStart := rl.now().Truncate(window)
	return rl.redis.Del(ctx, fmt.Sprintf("%s:%s:%d", rl.prefix, key, windowStart.Unix())).Err()
}
