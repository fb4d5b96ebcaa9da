package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is a sliding-window limiter over a Redis sorted set per key.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

func (r *RateLimiter) Limit() int {
	return r.config.Limit
}

// Allow records one request for key if it fits in the window.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	now := r.now()
	redisKey := "quiethours:ratelimit:" + key
	resetAt := now.Add(r.config.Window)

	pipe := r.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", now.Add(-r.config.Window).UnixNano()))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	count := int(countCmd.Val())
	if count >= r.config.Limit {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("limit", r.config.Limit),
		)
		return &RateLimitResult{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	ts := now.UnixNano()
	pipe = r.client.rdb.Pipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(ts), Member: fmt.Sprintf("%d-%d", ts, count)})
	pipe.Expire(ctx, redisKey, r.config.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis zadd failed: %w", err)
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: r.config.Limit - count - 1,
		ResetAt:   resetAt,
	}, nil
}
