package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// spend adds the cost to the current window's counter and sets the window
// expiry on first use. It returns the new total and the window's remaining
// lifetime in milliseconds.
var spend = redis.NewScript(`
local total = redis.call("INCRBY", KEYS[1], ARGV[1])
if total == tonumber(ARGV[1]) then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {total, redis.call("PTTL", KEYS[1])}
`)

// RedisLimiter gives each key a budget per fixed window, shared by every
// replica that talks to the same Redis.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	budget int64
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter allows budget cost units per window per key. Keys are
// stored under prefix.
func NewRedisLimiter(client *redis.Client, prefix string, budget int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, budget: int64(budget), window: window, now: time.Now}
}

// NewRedisLimiterFromURL dials the redis:// URL and checks it answers. Close
// releases the client.
func NewRedisLimiterFromURL(ctx context.Context, url, prefix string, budget int, window time.Duration) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	return NewRedisLimiter(client, prefix, budget, window), nil
}

func (l *RedisLimiter) windowKey(key string) string {
	return fmt.Sprintf("%s:%s:%d", l.prefix, key, l.now().UnixMilli()/l.window.Milliseconds())
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, cost int) (Decision, error) {
	k := l.windowKey(key)
	res, err := spend.Run(ctx, l.client, []string{k}, max(1, cost), l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{Allowed: true}, fmt.Errorf("ratelimit: spend %s: %w", k, err)
	}
	if res[0] <= l.budget {
		return Decision{Allowed: true}, nil
	}
	retry := l.window
	if len(res) > 1 && res[1] > 0 {
		retry = time.Duration(res[1]) * time.Millisecond
	}
	return Decision{RetryAfter: retry}, nil
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
