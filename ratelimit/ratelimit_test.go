package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCapEnforced(t *testing.T) {
	l := New(context.Background(), time.Minute, 5)
	defer l.Close()

	for i := 0; i < 5; i++ {
		assert.True(t, l.Acquire("acme", "acme:stripe"), "request %d should be allowed", i+1)
	}
	assert.False(t, l.Acquire("acme", "acme:stripe"), "request over cap should be denied")
}

func TestWindowSlides(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	l := New(context.Background(), time.Minute, 2, WithClock(func() time.Time { return clock() }))
	defer l.Close()

	assert.True(t, l.Acquire("acme", "k"))
	assert.True(t, l.Acquire("acme", "k"))
	assert.False(t, l.Acquire("acme", "k"))

	// Advance past the window; old timestamps prune out
	now = now.Add(61 * time.Second)
	assert.True(t, l.Acquire("acme", "k"), "requests should succeed after the window elapses")
}

func TestKeysIsolated(t *testing.T) {
	l := New(context.Background(), time.Minute, 1)
	defer l.Close()

	assert.True(t, l.Acquire("acme", "acme:stripe"))
	assert.False(t, l.Acquire("acme", "acme:stripe"))
	// A different key (other org or source) is unaffected
	assert.True(t, l.Acquire("globex", "globex:stripe"))
}

func TestOrgLimitOverride(t *testing.T) {
	l := New(context.Background(), time.Minute, 100)
	defer l.Close()

	l.SetOrgLimit("small", 2)
	assert.True(t, l.Acquire("small", "small:web"))
	assert.True(t, l.Acquire("small", "small:web"))
	assert.False(t, l.Acquire("small", "small:web"))

	// Removing the override restores the default cap
	l.SetOrgLimit("small", 0)
	assert.True(t, l.Acquire("small", "small:web"))
}

func TestExactBoundary(t *testing.T) {
	// With cap N, the (N+1)th request in the window is the first denial.
	const n = 1000
	l := New(context.Background(), time.Minute, n)
	defer l.Close()

	for i := 0; i < n; i++ {
		if !l.Acquire("acme", "k") {
			t.Fatalf("request %d denied below cap", i+1)
		}
	}
	assert.False(t, l.Acquire("acme", "k"), "request %d should be denied", n+1)
}

func TestConcurrentAcquireNeverExceedsCap(t *testing.T) {
	const cap = 50
	l := New(context.Background(), time.Minute, cap)
	defer l.Close()

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire("acme", "k") {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(cap), allowed, "exactly cap requests may pass")
}

func TestActiveKeys(t *testing.T) {
	l := New(context.Background(), time.Minute, 10)
	defer l.Close()

	for i := 0; i < 3; i++ {
		l.Acquire("org", fmt.Sprintf("key-%d", i))
	}
	assert.Equal(t, 3, l.ActiveKeys())
}
