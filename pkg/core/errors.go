package core

import (
	"errors"
	"fmt"
	"time"
)

// Validation errors
var (
	ErrNilCommand         = errors.New("commandqueue: nil command")
	ErrInvalidCommandID   = errors.New("commandqueue: invalid command id")
	ErrCommandIDTooLong   = errors.New("commandqueue: command id too long")
	ErrInvalidTypeName    = errors.New("commandqueue: invalid command type name (must be alphanumeric, start with letter)")
	ErrTypeNameTooLong    = errors.New("commandqueue: command type name too long")
	ErrInvalidBatchName   = errors.New("commandqueue: invalid batch name")
	ErrBatchNameTooLong   = errors.New("commandqueue: batch name too long")
	ErrPayloadTooLarge    = errors.New("commandqueue: command payload exceeds size limit")
	ErrUnknownCommandType = errors.New("commandqueue: unknown command type")
	ErrDuplicateType      = errors.New("commandqueue: command type already registered")
)

// ErrStoreFailure wraps the store error that halted the engine.
var ErrStoreFailure = errors.New("commandqueue: store failure")

// NoRetryError indicates a failure that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to make the failure terminal regardless of the
// remaining retry budget.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError asks for a longer delay than the configured retry delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error with a minimum delay before the retry. The retry
// still consumes budget.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}
