package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend against a shared Redis instance so rate
// limits and concurrency leases apply across a fleet of processes sharing
// the same egress pool, per spec §4.D/§9 ("may back this with ... a shared
// store"). Sliding-window counting uses a sorted set per key (ZADD/ZREMRANGEBYSCORE),
// the standard Redis rate-limit pattern; leases use INCR/DECR with a TTL
// safety net so a crashed holder's lease still expires.
type RedisBackend struct {
	client *redis.Client

	// LeaseTTL bounds how long a lease can be held before it is force
	// expired even if the holder crashes without releasing it.
	LeaseTTL time.Duration
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, LeaseTTL: 5 * time.Minute}
}

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local period = tonumber(ARGV[4])

redis.call("ZREMRANGEBYSCORE", key, "-inf", window_start)
local count = redis.call("ZCARD", key)
if count < limit then
	redis.call("ZADD", key, now, now .. "-" .. math.random())
	redis.call("PEXPIRE", key, period)
	return 0
end

local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if #oldest == 0 then
	return 0
end
local oldest_score = tonumber(oldest[2])
return (oldest_score + period) - now
`)

func (b *RedisBackend) Check(ctx context.Context, key string, spec Spec) (time.Duration, error) {
	now := time.Now().UnixMilli()
	periodMS := spec.Period.Milliseconds()
	windowStart := now - periodMS

	res, err := slidingWindowScript.Run(ctx, b.client, []string{"throttle:rate:" + key},
		now, windowStart, spec.Limit, periodMS).Int64()
	if err != nil {
		return 0, fmt.Errorf("throttle: redis rate check for %s: %w", key, err)
	}
	if res <= 0 {
		return 0, nil
	}
	return time.Duration(res) * time.Millisecond, nil
}

// AcquireLease uses an atomic INCR against a per-key counter with a TTL
// renewed on every successful acquire, releasing via DECR. If INCR pushes
// the count above max, it is immediately decremented back and the caller
// is told no slot is free.
func (b *RedisBackend) AcquireLease(ctx context.Context, key string, max int) (func(), bool, error) {
	redisKey := "throttle:lease:" + key

	count, err := b.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return nil, false, fmt.Errorf("throttle: redis lease incr for %s: %w", key, err)
	}
	b.client.Expire(ctx, redisKey, b.LeaseTTL)

	if count > int64(max) {
		b.client.Decr(ctx, redisKey)
		return nil, false, nil
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		b.client.Decr(context.Background(), redisKey)
	}
	return release, true, nil
}
