package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"spacechat/internal/constants"
	"spacechat/internal/retry"
)

var dbBackoff = retry.NewBackoff(retry.BackoffConfig{
	InitialDelay: time.Duration(constants.DefaultRetryBackoffMs) * time.Millisecond,
	MaxDelay:     time.Duration(constants.DefaultMaxBackoffMs) * time.Millisecond,
	Multiplier:   2,
	MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
	Jitter:       true,
})

// withRetry runs a database operation, retrying only transient SQLite failures
func withRetry(ctx context.Context, operationName string, operation func() error) error {
	err := dbBackoff.RetryWithPredicate(ctx, operation, isRetryableDBError)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", operationName, err)
	}
	return err
}

func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"),
		strings.Contains(msg, "disk I/O error"):
		return true
	default:
		return false
	}
}
