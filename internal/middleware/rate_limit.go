package middleware

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

// Limiter decides whether one more request for key fits in the window
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// fixed window counter: INCR, start the TTL on the first hit
const rateLimitLuaScript = `
local current = redis.call('INCR', KEYS[1])
if current == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {current, ttl}
`

// RedisLimiter shares the counter across instances
type RedisLimiter struct {
	client      *redis.Client
	maxAttempts int
	window      time.Duration
	prefix      string
}

func NewRedisLimiter(client *redis.Client, maxAttempts int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, maxAttempts: maxAttempts, window: window, prefix: "whatsapp:rate_limit:"}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	result, err := r.client.Eval(ctx, rateLimitLuaScript, []string{r.prefix + key}, r.window.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}

	var count, ttl int64
	if arr, ok := result.([]interface{}); ok && len(arr) >= 2 {
		count, _ = arr[0].(int64)
		ttl, _ = arr[1].(int64)
	}
	if count <= int64(r.maxAttempts) {
		return true, 0, nil
	}
	if ttl < 0 {
		ttl = r.window.Milliseconds()
	}
	return false, time.Duration(ttl) * time.Millisecond, nil
}

// LocalLimiter is a per-process token bucket per key
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*localEntry
	every    rate.Limit
	burst    int
	idle     time.Duration
}

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter allows maxAttempts per window, refilled evenly
func NewLocalLimiter(maxAttempts int, window time.Duration) *LocalLimiter {
	return &LocalLimiter{
		limiters: make(map[string]*localEntry),
		every:    rate.Every(window / time.Duration(maxAttempts)),
		burst:    maxAttempts,
		idle:     2 * window,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	entry, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) > 1024 {
			l.prune(now)
		}
		entry = &localEntry{limiter: rate.NewLimiter(l.every, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

func (l *LocalLimiter) prune(now time.Time) {
	for key, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > l.idle {
			delete(l.limiters, key)
		}
	}
}

// RateLimit rejects clients over the limit with 429. Limiter failures let
// the request through. Requests for which next returns true skip the limit.
func RateLimit(limiter Limiter, maxAttempts int, next func(c *fiber.Ctx) bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if next != nil && next(c) {
			return c.Next()
		}

		allowed, retryAfter, err := limiter.Allow(c.UserContext(), c.IP())
		if err != nil {
			log.Printf("⚠️  Rate limiter unavailable, allowing request: %v", err)
			return c.Next()
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(maxAttempts))
		if !allowed {
			seconds := int(retryAfter.Round(time.Second) / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(seconds))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later",
			})
		}
		return c.Next()
	}
}
