package errors

import (
	"context"
	"time"
)

// RetryConfig defines the configuration for retry attempts
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig returns sensible defaults for retrying network calls
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Retry executes a function, retrying retryable errors with exponential
// backoff. Non-retryable errors are returned immediately.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return WithContext(
				Wrap(ctx.Err(), TimeoutError, "retry cancelled"),
				"attempts", attempt,
			)
		case <-time.After(backoffDelay(config, attempt)):
		}
	}

	return lastErr
}

// RetryWithResult is Retry for functions that return a value.
func RetryWithResult[T any](ctx context.Context, config *RetryConfig, fn func() (T, error)) (T, error) {
	var result T
	err := Retry(ctx, config, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}

// backoffDelay doubles the base delay each attempt, capped at MaxDelay.
func backoffDelay(config *RetryConfig, attempt int) time.Duration {
	delay := config.BaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	return delay
}
