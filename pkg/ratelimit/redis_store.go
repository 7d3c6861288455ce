package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript does INCR and arms the expiry in one round trip. Returns {count, pttl_ms}.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local window = tonumber(ARGV[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], window)
	return {count, window}
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], window)
	ttl = window
end
return {count, ttl}
`)

// RedisStore keeps window counters in Redis so every gateway replica shares them.
type RedisStore struct {
	rdb     redis.Cmdable
	atomic  bool
	timeout time.Duration
}

// NewRedisStore returns a store over rdb. With atomic set the increment and the expiry are
// done by a Lua script; otherwise INCR/PTTL are pipelined and the expiry is set afterwards.
func NewRedisStore(rdb redis.Cmdable, atomic bool, timeout time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, atomic: atomic, timeout: timeout}
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if s.atomic {
		return s.incrScripted(ctx, key, window)
	}

	pipe := s.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	count := incr.Val()
	ttl := pttl.Val()
	// First hit in the window, or a key left without expiry by an earlier crash.
	if count == 1 || ttl < 0 {
		if err := s.rdb.PExpire(ctx, key, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("redis expire %s: %w", key, err)
		}
		ttl = window
	}
	return count, ttl, nil
}

func (s *RedisStore) incrScripted(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrScript.Run(ctx, s.rdb, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("redis eval %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("redis eval %s: unexpected reply %v", key, res)
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

// Ping reports whether Redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}
