// Package types defines error types
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Predefined errors
var (
	// ErrExhausted indicates no further attempt is permitted and no recovery ran
	ErrExhausted = errors.New("retry attempts exhausted")

	// ErrRollback indicates a stateful sequence was aborted by its rollback classifier
	ErrRollback = errors.New("retry state rolled back")

	// ErrBackoffInterrupted indicates the wait between attempts was cancelled
	ErrBackoffInterrupted = errors.New("backoff interrupted")

	// ErrContextClosed indicates a closed retry context was used again
	ErrContextClosed = errors.New("retry context is closed")

	// ErrForeignContext indicates a retry context was used by a policy that did not open it
	ErrForeignContext = errors.New("retry context belongs to another policy")

	// ErrContextInUse indicates a retry context is already claimed by a running execution
	ErrContextInUse = errors.New("retry context is in use")

	// ErrCacheFull indicates the retry context cache reached its capacity
	ErrCacheFull = errors.New("retry context cache capacity exceeded")

	// ErrCacheKeyCollision indicates the cache returned a context bound to another key
	ErrCacheKeyCollision = errors.New("retry context cache key collision")

	// ErrInvalidStateKey indicates a stateful retry key that cannot be used as a map key
	ErrInvalidStateKey = errors.New("invalid retry state key")

	// ErrInvalidConfig indicates an invalid policy or backoff definition
	ErrInvalidConfig = errors.New("invalid retry configuration")
)

// ExhaustedError is returned when a retry sequence ends without success or recovery.
// It unwraps to the last operation failure.
type ExhaustedError struct {
	// Err is the last operation failure
	Err error

	// Attempts is the number of failures registered on the context
	Attempts int

	// History holds earlier failures when the executor tracks them, oldest first
	History []error
}

// Error implements the error interface
func (e *ExhaustedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s after %d attempts", ErrExhausted, e.Attempts)
	}
	return fmt.Sprintf("%s after %d attempts: %v", ErrExhausted, e.Attempts, e.Err)
}

// Unwrap returns the last operation failure
func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Is reports ErrExhausted as a match
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

// Summary renders the failure history on one line
func (e *ExhaustedError) Summary() string {
	if len(e.History) == 0 {
		return e.Error()
	}
	parts := make([]string, 0, len(e.History))
	for i, err := range e.History {
		parts = append(parts, fmt.Sprintf("#%d: %v", i+1, err))
	}
	return e.Error() + " [" + strings.Join(parts, "; ") + "]"
}

// RollbackError is returned when a stateful sequence is aborted because its
// rollback classifier matched the failure.
type RollbackError struct {
	// Err is the failure that triggered the rollback
	Err error

	// Attempts is the number of failures registered on the context
	Attempts int
}

// Error implements the error interface
func (e *RollbackError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrRollback, e.Attempts, e.Err)
}

// Unwrap returns the failure that triggered the rollback
func (e *RollbackError) Unwrap() error {
	return e.Err
}

// Is reports ErrRollback as a match
func (e *RollbackError) Is(target error) bool {
	return target == ErrRollback
}

// RetryableError represents an error that carries its own retry decision
type RetryableError struct {
	// Err is the underlying error
	Err error

	// Retryable indicates whether the error is retryable
	Retryable bool

	// RetryAfter is the suggested retry delay
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error
func (e *RetryableError) Unwrap() error {
	return e.Err
}

// MarkRetryable wraps err so that classifiers treat it as retryable
func MarkRetryable(err error) error {
	return &RetryableError{Err: err, Retryable: true}
}

// MarkPermanent wraps err so that classifiers treat it as not retryable
func MarkPermanent(err error) error {
	return &RetryableError{Err: err, Retryable: false}
}

// RetryDecision reports the decision carried by a RetryableError in err's chain
func RetryDecision(err error) (retryable bool, ok bool) {
	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable, true
	}
	return false, false
}

// MarkRetryableAfter wraps err as retryable no sooner than after.
// The executor waits at least after before the next attempt.
func MarkRetryableAfter(err error, after time.Duration) error {
	return &RetryableError{Err: err, Retryable: true, RetryAfter: after}
}

// GetRetryDelay returns the suggested retry delay
func GetRetryDelay(err error) time.Duration {
	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.RetryAfter
	}
	return 0
}
