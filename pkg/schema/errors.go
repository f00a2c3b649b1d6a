package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeDuplicateStep     = "DUPLICATE_STEP"
	ErrCodeUnknownDependency = "UNKNOWN_DEPENDENCY"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeTemplate          = "TEMPLATE_ERROR"
	ErrCodeUndefinedVariable = "UNDEFINED_VARIABLE"
	ErrCodeTransport         = "TRANSPORT_ERROR"
	ErrCodeScript            = "SCRIPT_ERROR"
	ErrCodeExtraction        = "EXTRACTION_ERROR"
	ErrCodePlugin            = "PLUGIN_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeStore             = "STORE_ERROR"
)

// ReqflowError is the structured error type used across the runner.
type ReqflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ReqflowError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ReqflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ReqflowError.
func NewError(code, message string) *ReqflowError {
	return &ReqflowError{Code: code, Message: message}
}

// NewErrorf creates a new ReqflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *ReqflowError {
	return &ReqflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *ReqflowError) WithStep(name string) *ReqflowError {
	e.Step = name
	return e
}

// WithCause attaches an underlying cause.
func (e *ReqflowError) WithCause(err error) *ReqflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ReqflowError) WithDetails(details map[string]any) *ReqflowError {
	e.Details = details
	return e
}

// IsCode reports whether err, or anything it wraps, is a ReqflowError with
// the given code.
func IsCode(err error, code string) bool {
	var re *ReqflowError
	for err != nil {
		if !errors.As(err, &re) {
			return false
		}
		if re.Code == code {
			return true
		}
		err = re.Cause
	}
	return false
}
