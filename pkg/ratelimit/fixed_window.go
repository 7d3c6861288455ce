package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrStoreUnavailable wraps any failure of the shared counter store.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// CounterStore increments a windowed counter. Implementations must create the key with a
// TTL of window when the increment produced 1, and re-arm the TTL if the key somehow has none.
// ttl is the time left in the window after the increment.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed   bool
	Count     int64
	Limit     int64
	Remaining int64
	Reset     time.Time
}

// RetryAfter is the time until the current window expires.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Reset.Before(now) {
		return 0
	}
	return d.Reset.Sub(now)
}

// Limiter is a fixed-window throttle keyed by client identity. One counter per key per
// window; every call increments it, including calls that end up denied.
type Limiter struct {
	store  CounterStore
	limit  int64
	window time.Duration
	prefix string
	now    func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, used to compute Reset.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithPrefix sets the counter key prefix (default "rate_limit").
func WithPrefix(prefix string) Option {
	return func(l *Limiter) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// NewLimiter admits at most limit requests per window per client.
func NewLimiter(store CounterStore, limit int64, window time.Duration, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: nil store")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("ratelimit: limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("ratelimit: window must be positive, got %s", window)
	}
	l := &Limiter{store: store, limit: limit, window: window, prefix: "rate_limit", now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Allow increments the client's counter and reports whether the request fits in the window.
// count == limit is still allowed.
func (l *Limiter) Allow(ctx context.Context, clientID string) (Decision, error) {
	count, ttl, err := l.store.Incr(ctx, l.Key(clientID), l.window)
	if err != nil {
		return Decision{Allowed: false, Limit: l.limit}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if ttl <= 0 || ttl > l.window {
		ttl = l.window
	}
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= l.limit,
		Count:     count,
		Limit:     l.limit,
		Remaining: remaining,
		Reset:     l.now().Add(ttl),
	}, nil
}

// Key hashes the client identity so header content never reaches the store raw and keys
// have bounded length.
func (l *Limiter) Key(clientID string) string {
	h := sha256.Sum256([]byte(clientID))
	return l.prefix + ":" + hex.EncodeToString(h[:])[:32]
}
