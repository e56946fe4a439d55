package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_ReconnectSchedule(t *testing.T) {
	backoff := NewBackoff(ReconnectBackoffConfig())

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}

	for i, want := range expected {
		attempt := i + 1
		if got := backoff.GetNextDelay(attempt); got != want {
			t.Errorf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}

	if backoff.MaxAttempts() != 5 {
		t.Errorf("Expected 5 attempts, got %d", backoff.MaxAttempts())
	}
	if backoff.Exhausted(5) {
		t.Error("attempt 5 should still be within budget")
	}
	if !backoff.Exhausted(6) {
		t.Error("attempt 6 should exhaust the budget")
	}
}

func TestBackoff_DelaysNonDecreasing(t *testing.T) {
	backoff := NewBackoff(ReconnectBackoffConfig())

	previous := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		delay := backoff.GetNextDelay(attempt)
		if delay < previous {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, delay, previous)
		}
		previous = delay
	}
}

func TestBackoff_SuccessFirstAttempt(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  3,
	})

	attempts := 0
	err := backoff.Retry(context.Background(), func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestBackoff_SuccessAfterRetries(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  3,
	})

	attempts := 0
	err := backoff.Retry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestBackoff_AllAttemptsFail(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		MaxAttempts:  4,
	})

	attempts := 0
	expected := errors.New("persistent error")
	err := backoff.Retry(context.Background(), func() error {
		attempts++
		return expected
	})

	if !errors.Is(err, expected) {
		t.Errorf("Expected %v, got %v", expected, err)
	}
	if attempts != 4 {
		t.Errorf("Expected 4 attempts, got %d", attempts)
	}
}

func TestBackoff_NonRetryableStopsImmediately(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		MaxAttempts:  5,
	})

	attempts := 0
	fatal := errors.New("fatal")
	err := backoff.RetryWithPredicate(context.Background(), func() error {
		attempts++
		return fatal
	}, func(err error) bool { return !errors.Is(err, fatal) })

	if !errors.Is(err, fatal) {
		t.Errorf("Expected fatal error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestBackoff_ContextCancellation(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     time.Second,
		MaxAttempts:  5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := backoff.Retry(ctx, func() error { return errors.New("retry me") })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestBackoff_JitterStaysWithinBounds(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       true,
	})

	for i := 0; i < 50; i++ {
		delay := backoff.GetNextDelay(2)
		if delay < 150*time.Millisecond || delay > 250*time.Millisecond {
			t.Fatalf("jittered delay out of bounds: %v", delay)
		}
	}
}
