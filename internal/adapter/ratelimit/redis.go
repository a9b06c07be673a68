package ratelimit

/*
			Circuit Rate Limiter - Shared-Store Token Buckets
	The same bucket algorithm executed server-side in Redis so that every
	gateway instance shares one bucket per client. The whole
	read-refill-compare-write cycle runs as a single Lua script, which Redis
	executes atomically; no interleaving between instances can drive a
	bucket negative.

	Bucket records expire after 24 hours of inactivity.
*/

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/relaygate/circuit/internal/clock"
)

const defaultKeyPrefix = "circuit:rl"

var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call("HMGET", key, "tokens", "last_ts")
local tokens = tonumber(data[1])
local last_ts = tonumber(data[2])

if tokens == nil then
    tokens = capacity
    last_ts = now
end

local elapsed = math.max(0, now - last_ts)
tokens = math.min(capacity, tokens + (elapsed * refill_rate))

if tokens >= 1 then
    redis.call("HMSET", key, "tokens", tokens - 1, "last_ts", now)
    redis.call("EXPIRE", key, 86400)
    return 1
end

return 0
`)

type RedisLimiter struct {
	client       redis.UniversalClient
	clock        clock.Clock
	keyPrefix    string
	capacity     int
	refillPerSec float64
}

func NewRedisLimiter(client redis.UniversalClient, capacity int, refillPerSec float64, clk clock.Clock) *RedisLimiter {
	return &RedisLimiter{
		client:       client,
		clock:        clk,
		keyPrefix:    defaultKeyPrefix,
		capacity:     capacity,
		refillPerSec: refillPerSec,
	}
}

// Allow runs the bucket script for the client's key. A store failure is
// returned as an error, never downgraded to an allow; the caller owns that
// policy decision.
func (l *RedisLimiter) Allow(ctx context.Context, clientHash string) (bool, error) {
	key := fmt.Sprintf("%s:%s", l.keyPrefix, clientHash)
	now := float64(l.clock.Now().UnixNano()) / 1e9

	allowed, err := tokenBucketScript.Run(ctx, l.client,
		[]string{key}, l.capacity, l.refillPerSec, now).Int()
	if err != nil {
		return false, fmt.Errorf("redis rate limiter: %w", err)
	}

	return allowed == 1, nil
}
