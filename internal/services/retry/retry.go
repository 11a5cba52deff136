// Package retry implements the bounded backoff policy for idempotent
// upstream attempts.
package retry

import (
	"context"
	"time"
)

// Config defines retry behavior.
type Config struct {
	MaxAttempts int           // Maximum number of attempts (including initial)
	WaitMin     time.Duration // Minimum delay between attempts
	WaitMax     time.Duration // Maximum delay between attempts
	MaxElapsed  time.Duration // Total wall-clock budget across all attempts
}

// DefaultConfig returns the gateway's upstream retry policy.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		WaitMin:     2 * time.Second,
		WaitMax:     10 * time.Second,
		MaxElapsed:  10 * time.Second,
	}
}

// AttemptFunc is a single idempotent attempt.
type AttemptFunc func(ctx context.Context) error

// IsRetryable decides whether an attempt's error is transient.
type IsRetryable func(error) bool

// Do executes fn until it succeeds, the error is terminal, the attempt or
// wall-clock budget is exhausted, or ctx is cancelled.
func Do(ctx context.Context, config *Config, fn AttemptFunc, isRetryable IsRetryable) error {
	if config == nil {
		config = DefaultConfig()
	}

	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if isRetryable != nil && !isRetryable(err) {
			return err
		}

		if attempt == config.MaxAttempts {
			break
		}

		delay := Backoff(attempt, config)
		if time.Since(start)+delay > config.MaxElapsed {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}

// Backoff returns the wait before the attempt following the given one:
// 1s doubling per attempt, clamped to [WaitMin, WaitMax].
func Backoff(attempt int, config *Config) time.Duration {
	if config == nil {
		config = DefaultConfig()
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= config.WaitMax {
			delay = config.WaitMax
			break
		}
	}

	if delay < config.WaitMin {
		delay = config.WaitMin
	}
	if delay > config.WaitMax {
		delay = config.WaitMax
	}
	return delay
}
