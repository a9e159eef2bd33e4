package engine

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jdziat/command-queue/pkg/core"
)

// StoreRetry configures how store calls made by the engine are retried
// before a failure is treated as fatal.
type StoreRetry struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	// Default: 5
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt.
	// Default: 100ms
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	// Default: 5s
	MaxBackoff time.Duration

	// BackoffMultiplier grows the wait after each attempt.
	// Default: 2.0
	BackoffMultiplier float64

	// JitterFraction randomizes each wait by up to this fraction.
	// Default: 0.1
	JitterFraction float64
}

// DefaultStoreRetry returns the default store retry policy.
func DefaultStoreRetry() StoreRetry {
	return StoreRetry{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// retryStore runs op until it succeeds, returns a permanent error, or the
// attempts are exhausted. Waits between attempts honor ctx.
func retryStore(ctx context.Context, cfg StoreRetry, op func(context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := cfg.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !isRetryableStoreError(lastErr) || attempt == attempts {
			break
		}

		jitter := time.Duration(float64(backoff) * cfg.JitterFraction * (rand.Float64()*2 - 1))
		wait := backoff + jitter
		if wait < 0 {
			wait = backoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return lastErr
}

// isRetryableStoreError reports whether a store error may be transient.
// Cancellation and input validation failures are permanent.
func isRetryableStoreError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	for _, permanent := range []error{
		core.ErrNilCommand,
		core.ErrInvalidCommandID,
		core.ErrCommandIDTooLong,
		core.ErrInvalidTypeName,
		core.ErrTypeNameTooLong,
		core.ErrInvalidBatchName,
		core.ErrBatchNameTooLong,
		core.ErrPayloadTooLarge,
		core.ErrUnknownCommandType,
	} {
		if errors.Is(err, permanent) {
			return false
		}
	}
	return true
}
