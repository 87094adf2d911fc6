package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/sfgonsio/AI-Legal-Service/pkg/policy"
)

// ErrRateLimited is returned when a call cannot obtain a token in time.
var ErrRateLimited = errors.New("gateway: rate limit exhausted")

// LimiterStore hands out call tokens per key. Acquire may wait, but never
// past ctx's deadline.
type LimiterStore interface {
	Acquire(ctx context.Context, key string, limit policy.RateLimit) error
}

// LocalLimiter is an in-process token bucket per key.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (l *LocalLimiter) Acquire(ctx context.Context, key string, limit policy.RateLimit) error {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(limit.RPS), max(limit.Burst, 1))
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %s", ErrRateLimited, key)
	}
	return nil
}

// redisTokenBucket refills and consumes atomically.
// KEYS[1] bucket key; ARGV rate (tokens/s), capacity, cost, now (seconds).
var redisTokenBucket = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)
return allowed
`)

// RedisLimiter shares token buckets across gateway replicas.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	clock  func() time.Time
}

func NewRedisLimiter(client redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "govcore:limiter:", clock: time.Now}
}

// Acquire makes a single attempt; a shared bucket is not worth polling.
func (l *RedisLimiter) Acquire(ctx context.Context, key string, limit policy.RateLimit) error {
	rps := limit.RPS
	if rps <= 0 {
		rps = 1
	}
	now := float64(l.clock().UnixMicro()) / 1e6
	res, err := redisTokenBucket.Run(ctx, l.client, []string{l.prefix + key}, rps, max(limit.Burst, 1), 1, now).Int64()
	if err != nil {
		return fmt.Errorf("gateway: redis limiter: %w", err)
	}
	if res != 1 {
		return fmt.Errorf("%w: %s", ErrRateLimited, key)
	}
	return nil
}
