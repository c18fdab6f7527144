// Package ratelimit provides per-key sliding window rate limiting for the
// ingestion gateway. Each key tracks the timestamps of its recent requests;
// timestamps older than the window are pruned on every call, and keys with no
// recent activity are swept periodically to bound memory.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/churnguard/eventcore/pkg/expiry"
)

// Defaults per the ingestion contract.
const (
	DefaultWindow        = 60 * time.Second
	DefaultLimit         = 1000
	DefaultSweepInterval = 10 * time.Minute
)

// Limiter is a sliding-window request counter keyed by (organization, source).
// It owns and synchronizes its own state; callers only see Acquire.
type Limiter struct {
	window       time.Duration
	defaultLimit int

	mu        sync.RWMutex
	orgLimits map[string]int

	entries *expiry.Map[[]time.Time]

	now func() time.Time // injectable clock for tests
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the limiter's clock.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a sliding window limiter. The background sweep stops when ctx
// is cancelled or Close is called.
func New(ctx context.Context, window time.Duration, limit int, opts ...Option) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	l := &Limiter{
		window:       window,
		defaultLimit: limit,
		orgLimits:    make(map[string]int),
		now:          time.Now,
	}
	// Entries idle for a full window carry no information; sweep them.
	l.entries = expiry.New[[]time.Time](ctx, window, DefaultSweepInterval)

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// SetOrgLimit overrides the request cap for one organization's keys.
func (l *Limiter) SetOrgLimit(orgID string, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 {
		delete(l.orgLimits, orgID)
		return
	}
	l.orgLimits[orgID] = limit
}

func (l *Limiter) limitFor(orgID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit, ok := l.orgLimits[orgID]; ok {
		return limit
	}
	return l.defaultLimit
}

// Acquire records a request for key if the key is under its cap and reports
// whether the request is allowed. orgID selects a per-organization override
// of the default cap. Pruning and the allow decision happen atomically.
func (l *Limiter) Acquire(orgID, key string) bool {
	limit := l.limitFor(orgID)
	now := l.now()
	cutoff := now.Add(-l.window)

	allowed := false
	l.entries.Update(key, func(stamps []time.Time, _ bool) ([]time.Time, bool) {
		// Prune timestamps that fell out of the window
		live := stamps[:0]
		for _, ts := range stamps {
			if ts.After(cutoff) {
				live = append(live, ts)
			}
		}
		if len(live) < limit {
			live = append(live, now)
			allowed = true
		}
		if len(live) == 0 {
			return nil, false
		}
		return live, true
	})

	return allowed
}

// ActiveKeys returns the number of tracked keys, including ones awaiting sweep.
func (l *Limiter) ActiveKeys() int {
	return l.entries.Len()
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	l.entries.Close()
}
