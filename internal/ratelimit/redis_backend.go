package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript atomically maintains a per-key sorted set of arrival
// timestamps and answers both windows in one round trip. It:
//  1. Drops members older than the minute window
//  2. Adds the current arrival
//  3. Counts the full window and the trailing one-second slice
//  4. Returns [minute_count, burst_count, oldest_score]
//
// Keys: KEYS[1] = window key
// Args: ARGV[1] = now (unix microseconds), ARGV[2] = member,
//       ARGV[3] = minute window (us), ARGV[4] = burst window (us)
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local member = ARGV[2]
local minute_us = tonumber(ARGV[3])
local burst_us = tonumber(ARGV[4])

redis.call("ZREMRANGEBYSCORE", key, 0, now - minute_us)
redis.call("ZADD", key, now, member)

local minute_count = redis.call("ZCARD", key)
local burst_count = redis.call("ZCOUNT", key, now - burst_us, "+inf")

local oldest = 0
local first = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if first[2] then
    oldest = tonumber(first[2])
end

-- Expire idle windows shortly after they empty out.
redis.call("PEXPIRE", key, math.ceil(minute_us / 1000) + 1000)

return {minute_count, burst_count, oldest}
`)

// RedisBackend implements Backend on a Redis sorted set per key, giving all
// relay nodes one shared view of a user's send rate.
type RedisBackend struct {
	client *redis.Client
	seq    atomic.Int64
}

// NewRedisBackend creates a Redis-backed sliding window backend.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Observe(ctx context.Context, key string, now time.Time) (int, int, time.Time, error) {
	nowMicro := now.UnixMicro()
	// Member must be unique even for same-microsecond arrivals.
	member := fmt.Sprintf("%d-%d", nowMicro, b.seq.Add(1))

	result, err := slidingWindowScript.Run(ctx, b.client, []string{key},
		nowMicro, member, minuteWindow.Microseconds(), burstWindow.Microseconds(),
	).Int64Slice()
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("redis rate limit check: %w", err)
	}
	if len(result) != 3 {
		return 0, 0, time.Time{}, fmt.Errorf("redis rate limit check: unexpected result length %d", len(result))
	}

	oldest := time.Time{}
	if result[2] > 0 {
		oldest = time.UnixMicro(result[2])
	}
	return int(result[0]), int(result[1]), oldest, nil
}

func (b *RedisBackend) Forget(ctx context.Context, key string) {
	b.client.Del(ctx, key)
}
