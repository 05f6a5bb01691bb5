package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/internal/clock"
	"github.com/layer-3/authflow/ports"
)

// Redis is a fixed window counter (INCR + EXPIRE) shared across instances.
type Redis struct {
	client redis.UniversalClient
	prefix string
	clock  clock.Clock
}

var _ ports.RateLimiter = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, prefix string, clk clock.Clock) *Redis {
	if prefix == "" {
		prefix = "authflow:rl:"
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Redis{client: client, prefix: prefix, clock: clk}
}

func (l *Redis) CheckLimit(ctx context.Context, key string, max int, window time.Duration) (core.RateLimitResult, error) {
	if max <= 0 || window <= 0 {
		return core.RateLimitResult{}, fmt.Errorf("invalid limit %d per %s: %w", max, window, core.ErrInvalidInput)
	}
	now := l.clock.Now()
	winStart := now.Truncate(window)
	redisKey := fmt.Sprintf("%s%s:%d", l.prefix, strings.ReplaceAll(key, " ", "_"), winStart.Unix())

	hits64, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return core.RateLimitResult{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	// set expiry on first hit
	if hits64 == 1 {
		if err := l.client.Expire(ctx, redisKey, window).Err(); err != nil {
			return core.RateLimitResult{}, fmt.Errorf("rate limit %s: %w", key, err)
		}
	}

	hits := int(hits64)
	remaining := max - hits
	if remaining < 0 {
		remaining = 0
	}
	return core.RateLimitResult{
		Allowed:   hits <= max,
		Remaining: remaining,
		ResetTime: winStart.Add(window),
	}, nil
}
