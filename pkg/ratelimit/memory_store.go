package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	count   int64
	expires time.Time
}

// MemoryStore is a single-process CounterStore for development and tests. Counts are not
// shared between replicas.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: make(map[string]*memEntry), now: now}
}

func (m *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.entries[key]
	if !ok || !now.Before(e.expires) {
		e = &memEntry{expires: now.Add(window)}
		m.entries[key] = e
	}
	e.count++
	m.gcLocked(now)
	return e.count, e.expires.Sub(now), nil
}

// gcLocked drops expired windows once the map grows.
func (m *MemoryStore) gcLocked(now time.Time) {
	if len(m.entries) < 4096 {
		return
	}
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
