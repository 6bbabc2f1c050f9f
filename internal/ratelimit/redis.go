package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript applies the sliding window to one sorted set.
// Scores are unix milliseconds; members are unique per attempt.
//
// KEYS[1] window key
// ARGV    now, window, limit, member
// returns {allowed, remaining, retry_after_ms}
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window)
	return {1, limit - count - 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, 0, window - (now - tonumber(oldest[2]))}
`)

// RedisStore is a Limiter shared by every replica that talks to the same
// Redis. Each attempt is one atomic script call.
type RedisStore struct {
	rdb    redis.Scripter
	prefix string
	limit  int
	window time.Duration
}

type RedisOption func(*RedisStore)

func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

func NewRedisStore(rdb redis.Scripter, limit int, window time.Duration, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "ratelimit",
		limit:  limit,
		window: window,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Limit() int { return s.limit }
func (s *RedisStore) Window() time.Duration { return s.window }

func (s *RedisStore) key(client string) string {
	return s.prefix + ":" + client
}

// Admit implements Limiter.
func (s *RedisStore) Admit(ctx context.Context, key string, now time.Time) (Decision, error) {
	member, err := uuid.NewV4()
	if err != nil {
		return Decision{}, fmt.Errorf("could not generate window member: %w", err)
	}

	res, err := slidingWindowScript.Run(ctx, s.rdb, []string{s.key(key)},
		now.UnixMilli(), s.window.Milliseconds(), s.limit, member.String()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit script returned %d values", len(res))
	}

	if res[0] == 1 {
		return Decision{Allowed: true, Remaining: int(res[1]), Limit: s.limit}, nil
	}
	return denied(s.limit, s.window, time.Duration(res[2])*time.Millisecond), nil
}
