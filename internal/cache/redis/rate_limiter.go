package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/calebriley/optexec/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

const waitPollInterval = 50 * time.Millisecond

// RateLimiter implements domain.RateLimiter with a sliding window backed by
// Redis sorted sets and an atomic Lua script. Sharing the window through
// Redis keeps the broker's order-rate ceiling honoured even when a crashed
// instance restarts mid-window.
type RateLimiter struct {
	rdb           *redis.Client
	slidingWindow *redis.Script

	// Wait throttles broker submits with these parameters.
	submitLimit  int
	submitWindow time.Duration
}

// NewRateLimiter creates a RateLimiter whose Wait enforces submitLimit calls
// per submitWindow.
func NewRateLimiter(c *Client, submitLimit int, submitWindow time.Duration) *RateLimiter {
	if submitLimit <= 0 {
		submitLimit = 1
	}
	if submitWindow <= 0 {
		submitWindow = time.Second
	}
	return &RateLimiter{
		rdb:           c.Underlying(),
		slidingWindow: redis.NewScript(slidingWindowLua),
		submitLimit:   submitLimit,
		submitWindow:  submitWindow,
	}
}

func rateLimitKey(key string) string {
	return "optexec:ratelimit:" + key
}

// Allow reports whether a request for key is permitted under the sliding
// window, counting it when allowed.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now().UnixMicro()

	result, err := rl.slidingWindow.Run(
		ctx,
		rl.rdb,
		[]string{rateLimitKey(key)},
		now,
		window.Microseconds(),
		limit,
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}
	if len(result) < 2 {
		return false, fmt.Errorf("redis: rate limit allow %s: unexpected result length %d", key, len(result))
	}

	return result[0] == 1, nil
}

// Wait blocks until a request for key is allowed under the configured submit
// limit, or the context is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		default:
		}

		allowed, err := rl.Allow(ctx, key, rl.submitLimit, rl.submitWindow)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		timer := time.NewTimer(waitPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
