package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, limit int64, window time.Duration) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l, err := NewLimiter(NewMemoryStore(clock.Now), limit, window, WithClock(clock.Now))
	require.NoError(t, err)
	return l, clock
}

func TestLimitBoundary(t *testing.T) {
	l, _ := newTestLimiter(t, 100, time.Minute)
	ctx := context.Background()

	for i := 1; i <= 100; i++ {
		d, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d should pass", i)
		assert.Equal(t, int64(i), d.Count)
	}
	d, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(101), d.Count)
	assert.Equal(t, int64(0), d.Remaining)

	// Another client has its own window.
	d, err = l.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(99), d.Remaining)
}

func TestWindowResetsAfterTTL(t *testing.T) {
	l, clock := newTestLimiter(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Allow(ctx, "c")
		require.NoError(t, err)
	}
	d, _ := l.Allow(ctx, "c")
	require.False(t, d.Allowed)
	assert.Equal(t, clock.Now().Add(time.Minute), d.Reset)

	clock.Advance(30 * time.Second)
	d, _ = l.Allow(ctx, "c")
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Second, d.RetryAfter(clock.Now()))

	clock.Advance(30 * time.Second)
	d, _ = l.Allow(ctx, "c")
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Count)
}

func TestDeniedRequestsStillCount(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = l.Allow(ctx, "c")
	}
	d, _ := l.Allow(ctx, "c")
	assert.Equal(t, int64(6), d.Count)
}

func TestKeyIsHashedAndBounded(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Minute)
	k := l.Key(strings.Repeat("x", 4096))
	assert.True(t, strings.HasPrefix(k, "rate_limit:"))
	assert.Len(t, k, len("rate_limit:")+32)
	assert.NotEqual(t, l.Key("a"), l.Key("b"))
	assert.Equal(t, l.Key("a"), l.Key("a"))

	custom, err := NewLimiter(NewMemoryStore(nil), 1, time.Minute, WithPrefix("rl"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(custom.Key("a"), "rl:"))
}

func TestNewLimiterRejectsBadConfig(t *testing.T) {
	_, err := NewLimiter(nil, 1, time.Minute)
	assert.Error(t, err)
	_, err = NewLimiter(NewMemoryStore(nil), 0, time.Minute)
	assert.Error(t, err)
	_, err = NewLimiter(NewMemoryStore(nil), 1, 0)
	assert.Error(t, err)
}

type failingStore struct{}

func (failingStore) Incr(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("connection refused")
}

func TestStoreFailureIsReported(t *testing.T) {
	l, err := NewLimiter(failingStore{}, 10, time.Minute)
	require.NoError(t, err)
	d, err := l.Allow(context.Background(), "c")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.False(t, d.Allowed)
}

func TestConcurrentIncrementsNeverUndercount(t *testing.T) {
	l, _ := newTestLimiter(t, 1000, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, _ = l.Allow(context.Background(), "shared")
			}
		}()
	}
	wg.Wait()
	d, _ := l.Allow(context.Background(), "shared")
	assert.Equal(t, int64(501), d.Count)
}

func TestRedisStoreUnreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	for _, atomic := range []bool{false, true} {
		store := NewRedisStore(rdb, atomic, time.Second)
		_, _, err := store.Incr(context.Background(), "rate_limit:x", time.Minute)
		assert.Error(t, err, "atomic=%v", atomic)
		assert.Error(t, store.Ping(context.Background()))
	}
}
