package mw

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"formpulse/internal/logx"
	"formpulse/internal/metrics"
)

var mwLogger = logx.GetScope("mw")

// Limits returns the current window and request budget; it is read on
// every request so config changes apply without a restart.
type Limits func() (window time.Duration, max int)

var incrScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then redis.call('PEXPIRE', KEYS[1], ARGV[1]) end
return current`)

// IngestKey identifies a client by IP and, when it sends one, its
// fingerprint hash.
func IngestKey(c *fiber.Ctx) string {
	return fmt.Sprintf("ip:%s|fp:%s", c.IP(), c.Get("X-Fingerprint-Hash"))
}

// RateLimit counts requests per key in Redis. Without Redis it falls back to
// Fiber's in-memory limiter, rebuilt whenever the limits change. A budget of
// zero or less disables limiting on both paths. A Redis error lets the
// request through.
func RateLimit(rdb *redis.Client, scope string, limits Limits, keyFn func(*fiber.Ctx) string) fiber.Handler {
	if keyFn == nil {
		keyFn = IngestKey
	}
	if rdb == nil {
		return inMemoryLimit(scope, limits, keyFn)
	}
	return func(c *fiber.Ctx) error {
		window, limit := limits()
		if limit <= 0 {
			return c.Next()
		}
		key := "rl:" + scope + ":" + keyFn(c)
		ctx, cancel := context.WithTimeout(c.Context(), 200*time.Millisecond)
		defer cancel()
		res, err := incrScript.Run(ctx, rdb, []string{key}, window.Milliseconds()).Result()
		if err != nil {
			metrics.UpstreamFailures.WithLabelValues("redis").Inc()
			mwLogger.Debug("rate limiter unavailable", zap.Error(err))
			return c.Next()
		}
		n, _ := res.(int64)
		c.Set("X-RateLimit-Limit", fmt.Sprint(limit))
		c.Set("X-RateLimit-Remaining", fmt.Sprint(lo.Max([]int64{0, int64(limit) - n})))
		if n > int64(limit) {
			c.Set(fiber.HeaderRetryAfter, fmt.Sprint(int(window.Seconds())))
			return fiber.NewError(fiber.StatusTooManyRequests, "rate limit exceeded")
		}
		return c.Next()
	}
}

type memLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	budget  int
	handler fiber.Handler
}

// inMemoryLimit swaps in a fresh limiter when the window or budget changes;
// counters restart with it.
func inMemoryLimit(scope string, limits Limits, keyFn func(*fiber.Ctx) string) fiber.Handler {
	m := &memLimiter{}
	return func(c *fiber.Ctx) error {
		window, budget := limits()
		if budget <= 0 {
			return c.Next()
		}
		m.mu.Lock()
		if m.handler == nil || m.window != window || m.budget != budget {
			m.window, m.budget = window, budget
			m.handler = limiter.New(limiter.Config{
				Max:          budget,
				Expiration:   window,
				KeyGenerator: func(c *fiber.Ctx) string { return scope + "|" + keyFn(c) },
				LimitReached: func(_ *fiber.Ctx) error {
					return fiber.NewError(fiber.StatusTooManyRequests, "rate limit exceeded")
				},
			})
		}
		h := m.handler
		m.mu.Unlock()
		return h(c)
	}
}
