package retry

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"spacechat/internal/constants"
)

// BackoffConfig contains configuration for exponential backoff
type BackoffConfig struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxAttempts  int           `json:"max_attempts"`
	Jitter       bool          `json:"jitter"`
}

// DefaultBackoffConfig returns the configuration used for request retries
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Duration(constants.DefaultAPIRetryBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(constants.DefaultAPIRetryMaxBackoff) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultAPIMaxRetries,
		Jitter:       true,
	}
}

// ReconnectBackoffConfig returns the live channel reconnect schedule:
// 1s, 2s, 4s, 8s, 16s capped at 30s, abandoned after five attempts.
func ReconnectBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Duration(constants.DefaultReconnectInitialMs) * time.Millisecond,
		MaxDelay:     time.Duration(constants.DefaultReconnectMaxMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultReconnectMaxAttempts,
		Jitter:       false,
	}
}

// Backoff implements exponential backoff with optional jitter
type Backoff struct {
	config BackoffConfig
}

// NewBackoff creates a new exponential backoff instance
func NewBackoff(config BackoffConfig) *Backoff {
	if config.Multiplier < 1 {
		config.Multiplier = 2.0
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = config.InitialDelay
	}
	return &Backoff{
		config: config,
	}
}

// MaxAttempts returns the attempt budget
func (b *Backoff) MaxAttempts() int {
	return b.config.MaxAttempts
}

// Exhausted reports whether the given 1-based attempt exceeds the budget
func (b *Backoff) Exhausted(attempt int) bool {
	return attempt > b.config.MaxAttempts
}

// Retry executes the operation with exponential backoff retry logic
func (b *Backoff) Retry(ctx context.Context, operation func() error) error {
	return b.RetryWithPredicate(ctx, operation, func(error) bool { return true })
}

// RetryWithPredicate executes the operation with exponential backoff, using a predicate to determine if errors are retryable
func (b *Backoff) RetryWithPredicate(ctx context.Context, operation func() error, isRetryable func(error) bool) error {
	var lastErr error

	for attempt := 1; attempt <= b.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err

		if !isRetryable(err) {
			return err
		}

		// Don't wait after the last attempt
		if attempt == b.config.MaxAttempts {
			break
		}

		timer := time.NewTimer(b.calculateDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

// calculateDelay computes the delay for the given attempt with exponential backoff and optional jitter
func (b *Backoff) calculateDelay(attempt int) time.Duration {
	delay := float64(b.config.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= b.config.Multiplier
		if delay > float64(b.config.MaxDelay) {
			break
		}
	}

	if delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
	}

	// Add jitter if enabled (±25% randomness)
	if b.config.Jitter {
		jitter := delay * 0.25
		delay += (secureFloat64() - 0.5) * 2 * jitter

		if delay < 0 {
			delay = float64(b.config.InitialDelay)
		}
		if delay > float64(b.config.MaxDelay) {
			delay = float64(b.config.MaxDelay)
		}
	}

	return time.Duration(delay)
}

// GetNextDelay returns the delay that would be used for the given attempt
func (b *Backoff) GetNextDelay(attempt int) time.Duration {
	return b.calculateDelay(attempt)
}

// secureFloat64 generates a cryptographically secure float64 between 0 and 1
func secureFloat64() float64 {
	max := big.NewInt(0).SetUint64(math.MaxUint64)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return float64(time.Now().UnixNano()%1000000) / 1000000.0
	}
	return float64(n.Uint64()) / float64(math.MaxUint64)
}
