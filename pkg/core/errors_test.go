package core

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoRetryError(t *testing.T) {
	originalErr := errors.New("file not found")
	wrapped := NoRetry(originalErr)

	var noRetryErr *NoRetryError
	assert.True(t, errors.As(wrapped, &noRetryErr))
	assert.Equal(t, originalErr, noRetryErr.Unwrap())
	assert.Contains(t, noRetryErr.Error(), "no retry")
	assert.Contains(t, noRetryErr.Error(), "file not found")
}

func TestNoRetryError_SurvivesWrapping(t *testing.T) {
	wrapped := fmt.Errorf("hash file: %w", NoRetry(errors.New("gone")))

	var noRetryErr *NoRetryError
	assert.True(t, errors.As(wrapped, &noRetryErr))
}

func TestRetryAfterError(t *testing.T) {
	originalErr := errors.New("banned")
	delay := 30 * time.Minute
	wrapped := RetryAfter(delay, originalErr)

	var retryErr *RetryAfterError
	assert.True(t, errors.As(wrapped, &retryErr))
	assert.Equal(t, originalErr, retryErr.Unwrap())
	assert.Equal(t, delay, retryErr.Delay)
	assert.Contains(t, retryErr.Error(), "retry after")
	assert.Contains(t, retryErr.Error(), "30m0s")
}

func TestErrorVariables_HavePrefix(t *testing.T) {
	for _, err := range []error{
		ErrNilCommand,
		ErrInvalidCommandID,
		ErrCommandIDTooLong,
		ErrInvalidTypeName,
		ErrTypeNameTooLong,
		ErrInvalidBatchName,
		ErrBatchNameTooLong,
		ErrPayloadTooLarge,
		ErrUnknownCommandType,
		ErrDuplicateType,
		ErrStoreFailure,
	} {
		assert.Contains(t, err.Error(), "commandqueue:")
	}
}
