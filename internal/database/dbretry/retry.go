package dbretry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

var (
	maxElapsedTime  = 10 * time.Second
	initialInterval = 100 * time.Millisecond
	maxInterval     = 2 * time.Second
	maxRetries      = uint64(5)
)

// retryableClasses are SQLSTATE classes worth another attempt:
// connection exceptions, transaction rollbacks, insufficient resources
// and operator intervention.
var retryableClasses = []string{"08", "40", "53", "57"}

// retryableCodes are individual SQLSTATE codes outside those classes.
var retryableCodes = map[string]struct{}{
	"55006": {}, // object_in_use
	"55P03": {}, // lock_not_available
}

// IsRetryableError checks if the given error is retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A caller that gave up will not see the retry
	if errors.Is(err, context.Canceled) {
		return false
	}

	var pgerr pgdriver.Error
	if errors.As(err, &pgerr) {
		code := pgerr.Field('C')
		if _, ok := retryableCodes[code]; ok {
			return true
		}
		for _, class := range retryableClasses {
			if strings.HasPrefix(code, class) {
				return true
			}
		}
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errMsg := err.Error()
	return strings.Contains(errMsg, "connection reset by peer") ||
		strings.Contains(errMsg, "broken pipe") ||
		strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "i/o timeout") ||
		strings.Contains(errMsg, "EOF")
}

func newBackOff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(maxElapsedTime),
		backoff.WithInitialInterval(initialInterval),
		backoff.WithMaxInterval(maxInterval),
	), maxRetries), ctx)
}

// Operation wraps a database operation with retry logic. Errors the caller
// is expected to branch on, such as sql.ErrNoRows, stop retrying immediately
// and are returned unwrapped.
func Operation[T any](ctx context.Context, operation func(context.Context) (T, error)) (T, error) {
	var (
		result  T
		lastErr error
	)

	err := backoff.Retry(func() error {
		var err error
		result, err = operation(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryableError(err) {
			return backoff.Permanent(err)
		}
		lastErr = err
		return err
	}, newBackOff(ctx))
	if err != nil {
		if lastErr != nil && errors.Is(err, lastErr) {
			return result, fmt.Errorf("database operation failed after retries: %w", lastErr)
		}
		return result, err
	}

	return result, nil
}

// NoResult wraps a database operation that doesn't return a result.
func NoResult(ctx context.Context, operation func(context.Context) error) error {
	_, err := Operation(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, operation(ctx)
	})
	return err
}

// Transaction wraps a database transaction with retry logic. The whole
// transaction is replayed on a retryable failure.
func Transaction(ctx context.Context, db *bun.DB, fn func(context.Context, bun.Tx) error) error {
	return NoResult(ctx, func(ctx context.Context) error {
		return db.RunInTx(ctx, nil, fn)
	})
}
