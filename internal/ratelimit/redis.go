package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindow increments the counter, starts the window on the first hit and
// returns {count, pttl}.
var fixedWindow = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {c, redis.call('PTTL', KEYS[1])}
`)

// Redis is a limiter shared by every instance pointing at the same Redis.
type Redis struct {
	client redis.Scripter
	prefix string
	opts   Options
}

func NewRedis(client redis.Scripter, prefix string, opts Options) *Redis {
	return &Redis{client: client, prefix: prefix, opts: opts.withDefaults()}
}

// NewRedisFromURL parses a redis:// URL and builds a limiter on a fresh client.
func NewRedisFromURL(url, prefix string, opts Options) (*Redis, *redis.Client, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(o)
	return NewRedis(client, prefix, opts), client, nil
}

func (r *Redis) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

func (r *Redis) Check(ctx context.Context, key string) (Result, error) {
	vals, err := fixedWindow.Run(ctx, r.client, []string{r.key(key)}, r.opts.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{Allowed: true}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(vals) != 2 {
		return Result{Allowed: true}, fmt.Errorf("rate limit script: unexpected reply %v", vals)
	}

	count, pttl := vals[0], vals[1]
	if count <= int64(r.opts.Max) {
		return Result{Allowed: true}, nil
	}
	retry := time.Duration(pttl) * time.Millisecond
	if retry <= 0 {
		retry = r.opts.Window
	}
	return Result{Allowed: false, RetryAfter: retry}, nil
}
