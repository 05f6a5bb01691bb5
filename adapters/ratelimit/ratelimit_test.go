package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/internal/clock"
	"github.com/layer-3/authflow/ports"
)

func exhaust(t *testing.T, l ports.RateLimiter, key string) core.RateLimitResult {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := l.CheckLimit(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		require.True(t, res.Allowed, "hit %d", i+1)
		assert.Equal(t, 2-i, res.Remaining)
	}
	res, err := l.CheckLimit(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.Remaining)
	return res
}

func TestMemoryLimiter(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewMemory(clk)

	res := exhaust(t, l, "signin:a@x.io")
	assert.Equal(t, clk.Now().Add(20*time.Second), res.ResetTime)

	// Other keys are independent.
	other, err := l.CheckLimit(context.Background(), "signin:b@x.io", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	clk.Advance(20 * time.Second)
	again, err := l.CheckLimit(context.Background(), "signin:a@x.io", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, again.Allowed)
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC))
	l := NewRedis(client, "", clk)

	res := exhaust(t, l, "challenge:10.0.0.1")
	assert.Equal(t, time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC), res.ResetTime)

	// The next window starts fresh.
	clk.Advance(time.Minute)
	next, err := l.CheckLimit(context.Background(), "challenge:10.0.0.1", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, next.Allowed)
}

func TestInvalidLimit(t *testing.T) {
	_, err := NewMemory(nil).CheckLimit(context.Background(), "k", 0, time.Minute)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}
