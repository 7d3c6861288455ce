package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type redisFixture struct {
	mr    *miniredis.Miniredis
	store *RedisStore
	lim   *Limiter
	now   time.Time
}

func newRedisFixture(t *testing.T, atomic bool, limit int64) *redisFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &redisFixture{mr: mr, store: NewRedisStore(rdb, atomic, time.Second), now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	lim, err := NewLimiter(f.store, limit, time.Minute, WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	f.lim = lim
	return f
}

// advance moves both the Redis TTL clock and the limiter clock.
func (f *redisFixture) advance(d time.Duration) {
	f.mr.FastForward(d)
	f.now = f.now.Add(d)
}

func forEachMode(t *testing.T, fn func(t *testing.T, atomic bool)) {
	for _, atomic := range []bool{false, true} {
		t.Run(fmt.Sprintf("atomic=%v", atomic), func(t *testing.T) { fn(t, atomic) })
	}
}

func TestRedisStoreBoundaryAndExpiry(t *testing.T) {
	forEachMode(t, func(t *testing.T, atomic bool) {
		f := newRedisFixture(t, atomic, 3)
		ctx := context.Background()
		key := f.lim.Key("203.0.113.9")

		for i := int64(1); i <= 3; i++ {
			d, err := f.lim.Allow(ctx, "203.0.113.9")
			require.NoError(t, err)
			assert.True(t, d.Allowed, "request %d", i)
			assert.Equal(t, i, d.Count)
		}
		assert.Equal(t, time.Minute, f.mr.TTL(key), "first increment arms the window")

		f.advance(20 * time.Second)
		d, err := f.lim.Allow(ctx, "203.0.113.9")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, int64(4), d.Count)
		assert.Equal(t, int64(0), d.Remaining)
		assert.Equal(t, f.now.Add(40*time.Second), d.Reset, "reset follows the remaining TTL")
		assert.Equal(t, 40*time.Second, f.mr.TTL(key), "later increments leave the expiry alone")

		f.advance(41 * time.Second)
		assert.False(t, f.mr.Exists(key))
		d, err = f.lim.Allow(ctx, "203.0.113.9")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(1), d.Count)
		assert.Equal(t, time.Minute, f.mr.TTL(key))
	})
}

func TestRedisStoreRearmsKeyWithoutTTL(t *testing.T) {
	forEachMode(t, func(t *testing.T, atomic bool) {
		f := newRedisFixture(t, atomic, 3)
		key := f.lim.Key("198.51.100.4")
		require.NoError(t, f.mr.Set(key, "5"))
		require.Zero(t, f.mr.TTL(key))

		d, err := f.lim.Allow(context.Background(), "198.51.100.4")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, int64(6), d.Count)
		assert.Equal(t, time.Minute, f.mr.TTL(key))
		assert.Equal(t, f.now.Add(time.Minute), d.Reset)

		f.advance(time.Minute + time.Second)
		d, err = f.lim.Allow(context.Background(), "198.51.100.4")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})
}

func TestRedisStoreIncrReply(t *testing.T) {
	forEachMode(t, func(t *testing.T, atomic bool) {
		f := newRedisFixture(t, atomic, 10)
		ctx := context.Background()

		count, ttl, err := f.store.Incr(ctx, "rate_limit:k", 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
		assert.Equal(t, 30*time.Second, ttl)

		f.advance(10 * time.Second)
		count, ttl, err = f.store.Incr(ctx, "rate_limit:k", 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
		assert.Equal(t, 20*time.Second, ttl)
	})
}

func TestRedisStoreClientsAreIndependent(t *testing.T) {
	f := newRedisFixture(t, false, 1)
	ctx := context.Background()

	d, err := f.lim.Allow(ctx, "a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = f.lim.Allow(ctx, "b")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = f.lim.Allow(ctx, "a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestRedisStorePing(t *testing.T) {
	f := newRedisFixture(t, false, 1)
	require.NoError(t, f.store.Ping(context.Background()))
	f.mr.Close()
	assert.Error(t, f.store.Ping(context.Background()))
}

func TestRedisStoreWrongTypeIsError(t *testing.T) {
	forEachMode(t, func(t *testing.T, atomic bool) {
		f := newRedisFixture(t, atomic, 1)
		key := f.lim.Key("c")
		_, err := f.mr.Lpush(key, "x")
		require.NoError(t, err)

		_, err = f.lim.Allow(context.Background(), "c")
		assert.ErrorIs(t, err, ErrStoreUnavailable)
	})
}
