// Package toolerror provides a structured error type for tool invocation
// failures. ToolError preserves causal chains so a tool crash reported by
// the runner can be serialized into a tool_result without losing context.
package toolerror

import (
	"errors"
	"fmt"
)

// ToolError is a structured tool failure. It chains onto a cause so layered
// failures (schema validation wrapping an execute panic, say) stay
// inspectable via Unwrap and errors.As while still collapsing to a single
// string for the tool_result wire representation. Wrap copies each
// error's message into a new ToolError, so errors.Is against an original
// non-ToolError value does not match.
type ToolError struct {
	Message string
	Cause   *ToolError
}

// New constructs a ToolError carrying only a message.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Message: message}
}

// Errorf formats a ToolError message.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

// Wrap converts an arbitrary error into a ToolError chain, collapsing any
// existing ToolError chain rather than double-wrapping it.
func Wrap(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{Message: err.Error(), Cause: Wrap(errors.Unwrap(err))}
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap exposes the cause for errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}
