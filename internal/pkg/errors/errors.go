// Package errors provides the structured error type shared by every component.
//
// An AppError carries a machine-readable code and a Kind. The Kind decides how
// the lifecycle orchestrator treats a failure: validation failures are
// dead-lettered, transient failures are retried, business failures become
// rejection outcomes.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure scenarios.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("conflict")
	ErrInternal      = errors.New("internal error")
	ErrUnavailable   = errors.New("service unavailable")
)

// Kind classifies an AppError for retry and routing decisions.
type Kind uint8

const (
	KindInternal Kind = iota
	KindValidation
	KindBusiness
	KindTransient
	KindConflict
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindBusiness:
		return "business"
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// AppError is a structured application error with a code and a kind.
type AppError struct {
	// Code is a machine-readable error code (e.g., "VERSION_CONFLICT").
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	Kind Kind `json:"-"`

	// Params carries structured context for logs and dead letters.
	Params map[string]interface{} `json:"params,omitempty"`

	// FieldErrors carries field-level validation details.
	FieldErrors []FieldError `json:"field_errors,omitempty"`

	// Err is the wrapped underlying error.
	Err error `json:"-"`
}

// FieldError describes a field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code, message string, kind Kind) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Kind:    kind,
	}
}

// Wrap wraps an existing error into an AppError.
func Wrap(err error, code, message string, kind Kind) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Kind:    kind,
		Err:     err,
	}
}

// WithParams attaches structured parameters to the error.
func (e *AppError) WithParams(params map[string]interface{}) *AppError {
	if e == nil || len(params) == 0 {
		return e
	}
	e.Params = params
	return e
}

// WithFieldErrors attaches field-level errors to the AppError.
func (e *AppError) WithFieldErrors(fieldErrors []FieldError) *AppError {
	if e == nil || len(fieldErrors) == 0 {
		return e
	}
	e.FieldErrors = fieldErrors
	return e
}

// Common error constructors.

// Validation creates a structurally invalid input error.
func Validation(code, message string) *AppError {
	return New(code, message, KindValidation)
}

// Business creates a domain rule violation error.
func Business(code, message string) *AppError {
	return New(code, message, KindBusiness)
}

// Transient wraps an error that is expected to succeed on retry.
func Transient(err error, code, message string) *AppError {
	return Wrap(err, code, message, KindTransient)
}

// NotFound creates a missing resource error.
func NotFound(code, message string) *AppError {
	return Wrap(ErrNotFound, code, message, KindNotFound)
}

// Conflict creates an optimistic concurrency error.
func Conflict(code, message string) *AppError {
	return Wrap(ErrConflict, code, message, KindConflict)
}

// IsAppError checks if an error is an AppError and returns it.
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// KindOf returns the kind of the first AppError in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Kind
	}
	return KindInternal
}

// HasCode reports whether err's chain contains an AppError with the given code.
func HasCode(err error, code string) bool {
	appErr, ok := IsAppError(err)
	return ok && appErr.Code == code
}

// IsRetryable reports whether err is worth another attempt.
// Transient failures and optimistic conflicts are retryable; unknown errors
// are treated as transient since they usually come from I/O.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTransient, KindConflict, KindInternal:
		return true
	default:
		return false
	}
}
