package provider

import (
	"errors"
	"fmt"
)

// Error describes a failure returned by a model provider. It is intended
// to cross package boundaries so the agent loop's retry classifier and any
// surfaced error event carry stable, structured information rather than an
// opaque string.
//
// Grounded directly on goa-ai's runtime/agent/model.ProviderError.
type Error struct {
	Provider  string
	Operation string
	HTTPStatus int
	Code      string
	Message   string
	RequestID string
	cause     error
}

// NewError constructs a provider Error. provider is required.
func NewError(provider, operation string, httpStatus int, code, message, requestID string, cause error) *Error {
	if provider == "" {
		panic("provider: provider is required")
	}
	return &Error{
		Provider:   provider,
		Operation:  operation,
		HTTPStatus: httpStatus,
		Code:       code,
		Message:    message,
		RequestID:  requestID,
		cause:      cause,
	}
}

func (e *Error) Error() string {
	op := e.Operation
	if op == "" {
		op = "request"
	}
	status := ""
	if e.HTTPStatus > 0 {
		status = fmt.Sprintf("%d ", e.HTTPStatus)
	}
	code := ""
	if e.Code != "" {
		code = e.Code + ": "
	}
	msg := e.Message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return fmt.Sprintf("%s %s(%s): %s", e.Provider, status, op, code+msg)
}

// Unwrap preserves the original error chain.
func (e *Error) Unwrap() error { return e.cause }

// AsError returns the first *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
