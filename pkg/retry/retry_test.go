package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDelayProgression(t *testing.T) {
	cfg := Config{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, expected := range want {
		if got := cfg.Delay(i + 1); got != expected {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, expected)
		}
	}
}

func TestDelayCappedAtMax(t *testing.T) {
	cfg := Config{
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
	if got := cfg.Delay(10); got != 5*time.Second {
		t.Errorf("Delay(10) = %v, want capped at 5s", got)
	}
}

func TestDelayJitterBounded(t *testing.T) {
	cfg := Config{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		AddJitter:    true,
	}
	for i := 0; i < 100; i++ {
		d := cfg.Delay(1)
		if d < time.Second || d > time.Second+time.Second/4 {
			t.Fatalf("jittered delay %v outside [1s, 1.25s]", d)
		}
	}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Multiplier:   2.0,
	}, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Multiplier:   2.0,
	}, func() error {
		attempts++
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatal("Do() should fail after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoGiveUp(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
	}, func() error {
		attempts++
		return fmt.Errorf("bad input: %w", ErrGiveUp)
	})
	if !errors.Is(err, ErrGiveUp) {
		t.Errorf("Do() = %v, want ErrGiveUp", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestDoRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Config{
		MaxAttempts:  5,
		InitialDelay: time.Hour, // would hang without cancellation
	}, func() error {
		return errors.New("fail")
	})
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Errorf("Do() = %v, want context.Canceled", err)
	}
}
