// Package errors defines the error-kind taxonomy the alarm pipeline uses to
// decide retry, DLQ routing, and safe external messaging, wrapping
// go-faster/errors for cause-chain formatting.
package errors

import (
	"fmt"

	goerrors "github.com/go-faster/errors"
)

// ErrorType classifies a failure for retry/DLQ/logging decisions.
type ErrorType string

const (
	ErrorTypeValidation           ErrorType = "validation"
	ErrorTypeRetryableTransport   ErrorType = "retryable_transport"
	ErrorTypeNonRetryableTransport ErrorType = "non_retryable_transport"
	ErrorTypeCircuitBreakerOpen   ErrorType = "circuit_breaker_open"
	ErrorTypeCircuitBreakerBusy   ErrorType = "circuit_breaker_half_open_busy"
	ErrorTypeQuotaExhausted       ErrorType = "quota_exhausted"
	ErrorTypeInfrastructure       ErrorType = "infrastructure"
	ErrorTypeInternal             ErrorType = "internal"
)

// retryable reports, per type, whether the processor's retry loop should
// attempt the operation again. Circuit breaker signals are deliberately
// excluded: the breaker's own timer is the backoff (spec §4.1, §9).
var retryable = map[ErrorType]bool{
	ErrorTypeValidation:            false,
	ErrorTypeRetryableTransport:    true,
	ErrorTypeNonRetryableTransport: false,
	ErrorTypeCircuitBreakerOpen:    false,
	ErrorTypeCircuitBreakerBusy:    false,
	ErrorTypeQuotaExhausted:        false,
	ErrorTypeInfrastructure:        true,
	ErrorTypeInternal:              false,
}

// AppError is a typed, wrappable error carrying the classification that
// drives retry/DLQ decisions throughout the pipeline.
type AppError struct {
	Type    ErrorType
	Message string
	Details string
	Cause   error
}

func New(t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message}
}

func Newf(t ErrorType, format string, args ...any) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

func Wrap(cause error, t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message, Cause: cause}
}

func Wrapf(cause error, t ErrorType, format string, args ...any) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Details != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Details)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Cause.Error())
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// IsRetryable reports whether err (an *AppError, or not) should be retried
// by the per-channel retry loop in pkg/processor.
func IsRetryable(err error) bool {
	var ae *AppError
	if goerrors.As(err, &ae) {
		return retryable[ae.Type]
	}
	return false
}

// Type extracts the ErrorType from err, defaulting to ErrorTypeInternal for
// errors that were never classified.
func Type(err error) ErrorType {
	var ae *AppError
	if goerrors.As(err, &ae) {
		return ae.Type
	}
	return ErrorTypeInternal
}

// IsType reports whether err was classified as t.
func IsType(err error, t ErrorType) bool {
	return Type(err) == t
}

// Predefined constructors for the kinds named in spec.md §7.

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

func NewRetryableTransportError(cause error, provider string) *AppError {
	return Wrapf(cause, ErrorTypeRetryableTransport, "%s transport error", provider)
}

func NewNonRetryableTransportError(cause error, provider string) *AppError {
	return Wrapf(cause, ErrorTypeNonRetryableTransport, "%s rejected delivery", provider)
}

func NewQuotaExhaustedError(modemID string) *AppError {
	return Newf(ErrorTypeQuotaExhausted, "modem %s quota exhausted", modemID)
}

func NewInfrastructureError(cause error, operation string) *AppError {
	return Wrapf(cause, ErrorTypeInfrastructure, "infrastructure failure during %s", operation)
}

// LogFields renders err into a structured field map suitable for zap.Any
// calls or similar structured loggers.
func LogFields(err error) map[string]any {
	fields := map[string]any{"error": err.Error()}
	var ae *AppError
	if goerrors.As(err, &ae) {
		fields["error_type"] = string(ae.Type)
		if ae.Details != "" {
			fields["error_details"] = ae.Details
		}
		if ae.Cause != nil {
			fields["underlying_error"] = ae.Cause.Error()
		}
	}
	return fields
}

// Chain joins non-nil errors with " -> ", returning nil if none are non-nil
// and the single error unchanged if only one is non-nil.
func Chain(errs ...error) error {
	var nonNil []error
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	}
	msg := nonNil[0].Error()
	for _, e := range nonNil[1:] {
		msg += " -> " + e.Error()
	}
	return goerrors.New(msg)
}
