package toolpipeline

import (
	"errors"
	"fmt"
)

// ToolError is a structured tool-invocation failure. Errors chain via
// Cause so errors.Is/As can walk back to the root cause across retries
// and interceptor wrapping, while still serializing cleanly over the
// TOOL/error envelope. Hint, when present, tells callers whether and how
// a retry could succeed.
type ToolError struct {
	Message string
	Code    string
	Cause   *ToolError
	Hint    *RetryHint
}

// Error codes used to classify failures for retry-hint construction and
// envelope payloads.
const (
	CodeInvalidInput       = "invalid_input"
	CodeGuardrailViolation = "guardrail_violation"
	CodeTimeout            = "timeout"
	CodeInternal           = "internal"
)

// NewToolError constructs a ToolError with the given message and code.
func NewToolError(code, message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Message: message, Code: code}
}

// WrapToolError converts an arbitrary error into a ToolError chain,
// preserving an existing ToolError if err already is or wraps one.
func WrapToolError(code string, cause error) *ToolError {
	if cause == nil {
		return nil
	}
	var te *ToolError
	if errors.As(cause, &te) {
		return te
	}
	return &ToolError{Message: cause.Error(), Code: code, Cause: fromError(cause)}
}

func fromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{Message: err.Error(), Cause: fromError(errors.Unwrap(err))}
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the causal chain to errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}
