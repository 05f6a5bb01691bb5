// Package ratelimit provides ports.RateLimiter implementations.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/internal/clock"
	"github.com/layer-3/authflow/ports"
)

const cleanupEvery = 5 * time.Minute

// Memory is a token bucket per key: max tokens, refilled evenly over window.
type Memory struct {
	clock clock.Clock

	mu          sync.Mutex
	limiters    map[string]*bucket
	lastCleanup time.Time
}

type bucket struct {
	lim   *rate.Limiter
	burst int
}

var _ ports.RateLimiter = (*Memory)(nil)

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Memory{clock: clk, limiters: make(map[string]*bucket), lastCleanup: clk.Now()}
}

func (m *Memory) CheckLimit(_ context.Context, key string, max int, window time.Duration) (core.RateLimitResult, error) {
	if max <= 0 || window <= 0 {
		return core.RateLimitResult{}, fmt.Errorf("invalid limit %d per %s: %w", max, window, core.ErrInvalidInput)
	}
	now := m.clock.Now()
	per := window / time.Duration(max)

	m.mu.Lock()
	m.maybeCleanup(now)
	id := fmt.Sprintf("%s|%d|%s", key, max, window)
	b, ok := m.limiters[id]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Every(per), max), burst: max}
		m.limiters[id] = b
	}
	m.mu.Unlock()

	allowed := b.lim.AllowN(now, 1)
	tokens := b.lim.TokensAt(now)
	remaining := int(math.Floor(tokens))
	if remaining < 0 {
		remaining = 0
	}

	// Time until one token is back.
	reset := now
	if tokens < 1 {
		reset = now.Add(time.Duration((1 - tokens) * float64(per)))
	}
	return core.RateLimitResult{Allowed: allowed, Remaining: remaining, ResetTime: reset}, nil
}

// maybeCleanup drops idle buckets. Requires m.mu.
func (m *Memory) maybeCleanup(now time.Time) {
	if now.Sub(m.lastCleanup) < cleanupEvery {
		return
	}
	m.lastCleanup = now
	for id, b := range m.limiters {
		if b.lim.TokensAt(now) >= float64(b.burst) {
			delete(m.limiters, id)
		}
	}
}
