package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a Redis-backed token bucket. Every API or worker process that
// shares the Redis instance and key draws from one budget.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket holds at most capacity tokens and refills refillPerSecond of them
// each second. Idle keys expire after ttl.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// NewWindow builds a bucket allowing n operations per rolling window, the shape
// external providers publish their limits in (e.g. 10 requests per minute).
func NewWindow(client *redis.Client, n int, window time.Duration) *TokenBucket {
	if n <= 0 {
		n = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return NewTokenBucket(client, n, float64(n)/window.Seconds(), 2*window)
}

// Allow takes one token from key. When none is left it reports how long the caller
// should wait before the next one appears.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	reply, ok := res.([]any)
	if !ok || len(reply) != 2 {
		return false, 0, fmt.Errorf("ratelimit: unexpected reply %v", res)
	}
	granted, _ := reply[0].(int64)
	waitMs, _ := reply[1].(int64)
	return granted == 1, time.Duration(waitMs) * time.Millisecond, nil
}

// Wait blocks until a token for key is granted or ctx ends.
func (b *TokenBucket) Wait(ctx context.Context, key string) error {
	for {
		allowed, retryIn, err := b.Allow(ctx, key)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		if retryIn <= 0 {
			retryIn = 50 * time.Millisecond
		}
		timer := time.NewTimer(retryIn)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// KEYS[1] bucket hash; ARGV: capacity, refill per second, now ms, ttl ms.
// Replies {granted, ms until the next token}.
var bucketScript = redis.NewScript(`
local cap = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local nowMs = tonumber(ARGV[3])
local ttlMs = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'level', 'ts')
local level = tonumber(state[1]) or cap
local ts = tonumber(state[2]) or nowMs

if nowMs > ts then
  level = math.min(cap, level + (nowMs - ts) * rate / 1000)
end

local granted, waitMs = 0, 0
if level >= 1 then
  granted = 1
  level = level - 1
elseif rate > 0 then
  waitMs = math.ceil((1 - level) * 1000 / rate)
end

redis.call('HSET', KEYS[1], 'level', tostring(level), 'ts', nowMs)
if ttlMs > 0 then
  redis.call('PEXPIRE', KEYS[1], ttlMs)
end
return {granted, waitMs}
`)
