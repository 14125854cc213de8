package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job id is not in the registry
	ErrJobNotFound = errors.New("job not found")

	// ErrNoRecipients is returned when a job input has no usable recipients
	ErrNoRecipients = errors.New("recipients list is empty")

	// ErrTooManyRecipients is returned when a job input exceeds the recipient cap
	ErrTooManyRecipients = errors.New("too many recipients")

	// ErrInvalidInput is returned for malformed job inputs
	ErrInvalidInput = errors.New("invalid job input")

	// ErrCredentialsNotFound is returned when a tenant has no active sending configuration
	ErrCredentialsNotFound = errors.New("no active whatsapp configuration for tenant")
)

// ValidationError describes why a job input was rejected at enqueue time
type ValidationError struct {
	Err    error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Detail
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError wraps a sentinel with a formatted detail
func NewValidationError(err error, format string, args ...any) error {
	return &ValidationError{Err: err, Detail: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err was produced by input validation
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RetryableError wraps transient errors that should trigger another attempt
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is marked as transient
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// ErrQueueClosed is returned by Enqueue after shutdown has begun
var ErrQueueClosed = errors.New("dispatcher is shutting down")
