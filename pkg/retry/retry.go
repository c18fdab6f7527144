// Package retry provides exponential backoff calculation and retry execution
// shared by the worker pool and the health monitor.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Config provides retry configuration
type Config struct {
	MaxAttempts  int           // Total attempts including the first
	InitialDelay time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Cap on the backoff delay
	Multiplier   float64       // Backoff multiplier (typically 2.0)
	AddJitter    bool          // Add randomness to prevent thundering herd
}

// DefaultConfig returns the delivery retry defaults: 3 retries at
// 1s, 2s, 4s before dead-lettering.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Delay returns the backoff delay before retry number retryCount (1-based):
// min(MaxDelay, InitialDelay * Multiplier^(retryCount-1)), with optional
// jitter of up to 25%.
func (c Config) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}

	delay := float64(c.InitialDelay)
	for i := 1; i < retryCount; i++ {
		delay *= c.Multiplier
		if c.MaxDelay > 0 && delay >= float64(c.MaxDelay) {
			delay = float64(c.MaxDelay)
			break
		}
	}
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	d := time.Duration(delay)
	if c.AddJitter && d > 0 {
		randMu.Lock()
		jitter := time.Duration(randSource.Int63n(int64(d/4) + 1))
		randMu.Unlock()
		d += jitter
	}
	return d
}

// Do executes fn with exponential backoff until it succeeds, attempts are
// exhausted, or ctx is cancelled.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2.0
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrGiveUp) {
			return err
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(cfg.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// ErrGiveUp can be wrapped by fn to abort Do immediately.
var ErrGiveUp = errors.New("retry: give up")
