package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "ratelimit:"

// Trim expired members, add the attempt if there is room, return {allowed, count, oldest_ms}
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	count = count + 1
	allowed = 1
end
redis.call('PEXPIRE', key, window)

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldestScore = now
if oldest[2] then
	oldestScore = tonumber(oldest[2])
end
return {allowed, count, oldestScore}
`)

// Sliding window shared between instances. One sorted set per key, scored by attempt time in ms
type Redis struct {
	client redis.Scripter
	cfg    Config
	prefix string
	now    func() time.Time
}

func NewRedis(client redis.Scripter, prefix string, cfg Config) *Redis {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	return &Redis{
		client: client,
		cfg:    cfg.withDefaults(),
		prefix: prefix,
		now:    time.Now,
	}
}

func (l *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now().UnixMilli()

	res, err := slidingWindow.Run(ctx, l.client,
		[]string{l.prefix + key},
		now, l.cfg.Window.Milliseconds(), l.cfg.Limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis rate limit: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("redis rate limit: unexpected reply %v", res)
	}

	count := int(res[1])
	return Decision{
		Allowed:   res[0] == 1,
		Limit:     l.cfg.Limit,
		Remaining: max(l.cfg.Limit-count, 0),
		ResetAt:   time.UnixMilli(res[2]).Add(l.cfg.Window),
	}, nil
}
