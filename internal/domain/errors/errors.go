package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies errors by the subsystem contract they violate.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeQueue      ErrorType = "queue"
	ErrorTypeCircuit    ErrorType = "circuit"
	ErrorTypeTransport  ErrorType = "transport"
	ErrorTypeHandler    ErrorType = "handler"
	ErrorTypePool       ErrorType = "pool"
	ErrorTypeIntegrity  ErrorType = "integrity"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeExport     ErrorType = "export"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeInternal   ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type      ErrorType              `json:"type"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors

// NewValidationError reports an input schema violation. Never retried.
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:      ErrorTypeValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// NewQueueUnavailableError reports that the broker could not be reached
// within the enqueue timeout.
func NewQueueUnavailableError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeQueue,
		Code:      "QUEUE_UNAVAILABLE",
		Message:   message,
		Retryable: true,
	}
}

// NewCircuitOpenError reports a call rejected by an open circuit breaker.
// Not retryable by the caller, but distinct from an upstream failure: the
// processor nacks for redelivery without consuming retry budget.
func NewCircuitOpenError(breakerName string) *AppError {
	return &AppError{
		Type:      ErrorTypeCircuit,
		Code:      "CIRCUIT_OPEN",
		Message:   fmt.Sprintf("circuit breaker %q is open", breakerName),
		Retryable: false,
		Details:   map[string]interface{}{"breaker": breakerName},
	}
}

// NewRetryableTransportError reports a transient network or timeout failure.
func NewRetryableTransportError(code, message string) *AppError {
	return &AppError{
		Type:      ErrorTypeTransport,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// NewPermanentHandlerError reports a handler failure that must not be
// retried; the event routes directly to the dead-letter queue.
func NewPermanentHandlerError(code, message string) *AppError {
	return &AppError{
		Type:      ErrorTypeHandler,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// NewPoolExhaustedError reports a connection acquisition timeout.
func NewPoolExhaustedError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypePool,
		Code:      "POOL_EXHAUSTED",
		Message:   message,
		Retryable: true,
	}
}

// NewIntegrityError reports a hash or signature mismatch. Surfaced in
// integrity reports, never silently masked.
func NewIntegrityError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeIntegrity,
		Code:      "INTEGRITY_FAILURE",
		Message:   message,
		Retryable: false,
	}
}

// NewConfigError fails process startup with structured diagnostics.
func NewConfigError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeConfig,
		Code:      "CONFIG_ERROR",
		Message:   message,
		Retryable: false,
	}
}

// NewExportEncodingError reports a per-row encoding failure; the encoder
// skips the offending event and records it in export metadata.
func NewExportEncodingError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeExport,
		Code:      "EXPORT_ENCODING_ERROR",
		Message:   message,
		Retryable: false,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:      ErrorTypeNotFound,
		Code:      "RESOURCE_NOT_FOUND",
		Message:   fmt.Sprintf("%s not found", resource),
		Retryable: false,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeInternal,
		Code:      "INTERNAL_ERROR",
		Message:   message,
		Retryable: true,
	}
}

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable checks if an error is retryable. Errors that do not carry a
// classification default to non-retryable so unknown failures land in the
// dead-letter queue rather than spinning.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// Code extracts the structured code from an error, or "" if unclassified.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsCircuitOpen reports whether the error is a circuit breaker rejection.
func IsCircuitOpen(err error) bool {
	return IsType(err, ErrorTypeCircuit)
}
