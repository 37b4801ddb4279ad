package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeServiceNotFound   = "SERVICE_NOT_FOUND"
	ErrCodeActionNotFound    = "ACTION_NOT_FOUND"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeStore             = "STORE_ERROR"
)

// KinetiqError is the structured error type for all engine operations.
type KinetiqError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *KinetiqError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *KinetiqError) Unwrap() error {
	return e.Cause
}

// NewError creates a new KinetiqError.
func NewError(code, message string) *KinetiqError {
	return &KinetiqError{Code: code, Message: message}
}

// NewErrorf creates a new KinetiqError with a formatted message.
func NewErrorf(code, format string, args ...any) *KinetiqError {
	return &KinetiqError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *KinetiqError) WithStep(stepID string) *KinetiqError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *KinetiqError) WithCause(err error) *KinetiqError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *KinetiqError) WithDetails(details map[string]any) *KinetiqError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error code describes a transient failure.
// Programmer and configuration errors are never retried.
func (e *KinetiqError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeInvalidTransition, ErrCodeCycleDetected,
		ErrCodeServiceNotFound, ErrCodeActionNotFound, ErrCodeCancelled,
		ErrCodeRetryExhausted, ErrCodeConflict, ErrCodeNotFound,
		ErrCodeExpression:
		return false
	}
	return true
}
