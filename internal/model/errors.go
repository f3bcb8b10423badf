package model

import (
	"errors"
	"strings"
)

// Sentinel errors shared across packages. Callers match with errors.Is.
var (
	ErrValidation         = errors.New("validation failed")
	ErrUnsupportedBackend = errors.New("unsupported backend")
	ErrNotFound           = errors.New("not found")
	ErrRetryExhausted     = errors.New("retry limit reached")
	ErrExecutionTimeout   = errors.New("execution timed out")
	ErrExecutionCancelled = errors.New("execution cancelled")
	ErrBackendExecution   = errors.New("backend execution failed")
	ErrInternal           = errors.New("internal error")
	ErrDuplicateBackend   = errors.New("backend already registered")
	ErrInvalidTransition  = errors.New("invalid status transition")
)

// Canonical error codes recorded on failed executions.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeUnsupportedBackend = "UNSUPPORTED_BACKEND"
	CodeNotFound           = "NOT_FOUND"
	CodeRetryExhausted     = "RETRY_EXHAUSTED"
	CodeExecutionTimeout   = "EXECUTION_TIMEOUT"
	CodeExecutionError     = "EXECUTION_ERROR"
	CodeExecutionCancelled = "EXECUTION_CANCELLED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeFramework          = "FRAMEWORK_ERROR"
)

// CanonicalError is the backend-neutral description of a failure.
type CanonicalError struct {
	Code    string `json:"code"`
	SubCode string `json:"sub_code,omitempty"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

func (e *CanonicalError) Error() string {
	if e.SubCode != "" {
		return e.Code + " (" + e.SubCode + "): " + e.Message
	}
	return e.Code + ": " + e.Message
}

// Unwrap exposes the sentinel for Code so failures recorded as canonical
// errors still match with errors.Is. Backend-specific codes have none.
func (e *CanonicalError) Unwrap() error {
	switch e.Code {
	case CodeValidation:
		return ErrValidation
	case CodeUnsupportedBackend:
		return ErrUnsupportedBackend
	case CodeNotFound:
		return ErrNotFound
	case CodeRetryExhausted:
		return ErrRetryExhausted
	case CodeExecutionTimeout:
		return ErrExecutionTimeout
	case CodeExecutionCancelled:
		return ErrExecutionCancelled
	case CodeExecutionError:
		return ErrBackendExecution
	case CodeInternal:
		return ErrInternal
	}
	return nil
}

// ValidationError lists every structural problem found in a definition.
type ValidationError struct {
	BackendID string
	Errors    []string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.BackendID + " definition: " + strings.Join(e.Errors, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
