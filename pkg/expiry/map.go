// Package expiry provides a generic thread-safe map whose entries expire
// after a fixed TTL, with a periodic background sweep. The rate limiter and
// duplicate detector both keep their state in one of these instead of running
// their own ad hoc sweep loops.
package expiry

import (
	"context"
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Map is a TTL map of string keys to values of type V. All operations are
// safe for concurrent use. Expired entries are invisible to reads even
// before the sweep removes them.
type Map[V any] struct {
	mu            sync.RWMutex
	ttl           time.Duration
	sweepInterval time.Duration
	items         map[string]*entry[V]

	evictions int64

	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once
}

// New creates an expiring map and starts its background sweep. The sweep
// stops when ctx is cancelled or Close is called.
func New[V any](ctx context.Context, ttl, sweepInterval time.Duration) *Map[V] {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Minute
	}

	m := &Map[V]{
		ttl:           ttl,
		sweepInterval: sweepInterval,
		items:         make(map[string]*entry[V]),
		shutdown:      make(chan struct{}),
		done:          make(chan struct{}),
	}

	go m.sweepLoop(ctx)

	return m
}

// Get returns the live value for key, if any.
func (m *Map[V]) Get(key string) (V, bool) {
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()

	if !ok || e.expired(time.Now()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, resetting its TTL.
func (m *Map[V]) Set(key string, value V) {
	expiresAt := time.Now().Add(m.ttl)

	m.mu.Lock()
	m.items[key] = &entry[V]{value: value, expiresAt: expiresAt}
	m.mu.Unlock()
}

// SetIfAbsent stores value under key only if no live entry exists. It returns
// true if the value was stored. The check and insert happen under one lock,
// so concurrent callers with the same key see exactly one true result.
// An existing entry's TTL is not refreshed.
func (m *Map[V]) SetIfAbsent(key string, value V) bool {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.items[key]; ok && !e.expired(now) {
		return false
	}
	m.items[key] = &entry[V]{value: value, expiresAt: now.Add(m.ttl)}
	return true
}

// Update applies fn to the current value for key (zero value if absent or
// expired) under the map's lock and stores the result with a fresh TTL.
// If fn returns false for keep, the key is removed instead.
func (m *Map[V]) Update(key string, fn func(current V, exists bool) (next V, keep bool)) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var current V
	exists := false
	if e, ok := m.items[key]; ok && !e.expired(now) {
		current = e.value
		exists = true
	}

	next, keep := fn(current, exists)
	if !keep {
		delete(m.items, key)
		return
	}
	m.items[key] = &entry[V]{value: next, expiresAt: now.Add(m.ttl)}
}

// Delete removes key if present.
func (m *Map[V]) Delete(key string) {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

// Len returns the number of entries, including expired ones the sweep has
// not yet removed.
func (m *Map[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Evictions returns the total number of entries removed by sweeps.
func (m *Map[V]) Evictions() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.evictions
}

// Sweep removes all expired entries immediately and returns how many were
// removed. The background loop calls this on its interval; tests call it
// directly.
func (m *Map[V]) Sweep() int {
	now := time.Now()
	removed := 0

	m.mu.Lock()
	for key, e := range m.items {
		if e.expired(now) {
			delete(m.items, key)
			removed++
		}
	}
	m.evictions += int64(removed)
	m.mu.Unlock()

	return removed
}

// Close stops the background sweep. Safe to call more than once.
func (m *Map[V]) Close() {
	m.once.Do(func() {
		close(m.shutdown)
	})
	<-m.done
}

func (m *Map[V]) sweepLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdown:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
