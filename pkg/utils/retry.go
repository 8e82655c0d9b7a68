package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryOptions contains configuration for retry behavior.
type RetryOptions struct {
	MaxElapsedTime      time.Duration
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxRetries          uint64
	RandomizationFactor float64
	AttemptTimeout      time.Duration // Zero leaves each attempt bounded only by ctx
}

// GetPublishRetryOptions returns retry options for broker publishes.
func GetPublishRetryOptions() RetryOptions {
	return RetryOptions{
		MaxElapsedTime:      10 * time.Second,
		InitialInterval:     50 * time.Millisecond,
		MaxInterval:         1 * time.Second,
		MaxRetries:          5,
		RandomizationFactor: 0.5,
		AttemptTimeout:      2 * time.Second,
	}
}

// GetRelationshipRetryOptions returns retry options for relationship steps.
func GetRelationshipRetryOptions() RetryOptions {
	return RetryOptions{
		MaxElapsedTime:      30 * time.Second,
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         2 * time.Second,
		MaxRetries:          5,
		RandomizationFactor: 0.5,
		AttemptTimeout:      2 * time.Second,
	}
}

// WithRetry executes the given operation with exponential backoff using provided options.
// Errors wrapped with backoff.Permanent are returned without further attempts.
func WithRetry[T any](ctx context.Context, operation func(ctx context.Context) (T, error), opts RetryOptions) (T, error) {
	return WithRetryNotify(ctx, operation, opts, nil)
}

// WithRetryNotify is WithRetry with a callback invoked after each failed attempt that will be retried.
func WithRetryNotify[T any](
	ctx context.Context, operation func(ctx context.Context) (T, error), opts RetryOptions,
	notify func(err error, next time.Duration),
) (T, error) {
	var result T

	randomization := opts.RandomizationFactor
	if randomization <= 0 {
		randomization = backoff.DefaultRandomizationFactor
	}

	// Configure exponential backoff
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(opts.MaxElapsedTime),
		backoff.WithInitialInterval(opts.InitialInterval),
		backoff.WithMaxInterval(opts.MaxInterval),
		backoff.WithRandomizationFactor(randomization),
	), opts.MaxRetries)

	// Each attempt gets its own deadline so a hung call counts as a failure
	backoffOperation := func() error {
		attemptCtx := ctx
		if opts.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, opts.AttemptTimeout)
			defer cancel()
		}

		var err error
		result, err = operation(attemptCtx)
		return err
	}

	err := backoff.RetryNotify(backoffOperation, backoff.WithContext(b, ctx), notify)
	return result, err
}
