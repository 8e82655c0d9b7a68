package utils

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SleepResult represents the outcome of a context-aware sleep operation.
type SleepResult int

const (
	// SleepCompleted indicates the sleep duration completed normally.
	SleepCompleted SleepResult = iota
	// SleepCancelled indicates the context was cancelled during sleep.
	SleepCancelled
)

// ContextSleep sleeps for the specified duration while respecting context cancellation.
func ContextSleep(ctx context.Context, duration time.Duration) SleepResult {
	if duration <= 0 {
		if ctx.Err() != nil {
			return SleepCancelled
		}
		return SleepCompleted
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return SleepCompleted
	case <-ctx.Done():
		return SleepCancelled
	}
}

// ContextSleepUntil waits until the specified time while respecting context cancellation.
func ContextSleepUntil(ctx context.Context, target time.Time) SleepResult {
	return ContextSleep(ctx, time.Until(target))
}

// ContextGuard checks if the context is cancelled and returns true if so.
func ContextGuard(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// ErrorSleep pauses a worker after a failed cycle.
// Returns true if the worker should continue, false if the context was cancelled.
func ErrorSleep(ctx context.Context, duration time.Duration, logger *zap.Logger, workerName string) bool {
	if ContextSleep(ctx, duration) == SleepCancelled {
		if logger != nil {
			logger.Info("Context cancelled during error wait, stopping " + workerName)
		}
		return false
	}
	return true
}
