// Package gwerrors defines the gateway error taxonomy and the stable
// machine-readable codes carried by protocol ERROR messages.
package gwerrors

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Every error surfaced by the core wraps exactly one of these.
var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrBusiness     = errors.New("business rule violation")
	ErrTimeout      = errors.New("timeout")
	ErrTransport    = errors.New("transport error")
	ErrUnsupported  = errors.New("unsupported operation")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal error")
)

// Stable codes written into ERROR messages.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeNotFound     = "NOT_FOUND"
	CodeBusiness     = "BUSINESS_ERROR"
	CodeTimeout      = "TIMEOUT"
	CodeTransport    = "TRANSPORT_ERROR"
	CodeUnsupported  = "UNSUPPORTED_OPERATION"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeInternal     = "INTERNAL_ERROR"
)

var kindCodes = []struct {
	kind error
	code string
}{
	{ErrValidation, CodeValidation},
	{ErrNotFound, CodeNotFound},
	{ErrBusiness, CodeBusiness},
	{ErrTimeout, CodeTimeout},
	{ErrTransport, CodeTransport},
	{ErrUnsupported, CodeUnsupported},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrInternal, CodeInternal},
}

// ProtocolError carries a kind, a human-readable message and an optional cause.
type ProtocolError struct {
	Kind    error
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.Error()
	}
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *ProtocolError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newf(kind error, format string, args ...any) *ProtocolError {
	return &ProtocolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) error   { return newf(ErrValidation, format, args...) }
func NotFound(format string, args ...any) error     { return newf(ErrNotFound, format, args...) }
func Business(format string, args ...any) error     { return newf(ErrBusiness, format, args...) }
func Timeout(format string, args ...any) error      { return newf(ErrTimeout, format, args...) }
func Unsupported(format string, args ...any) error  { return newf(ErrUnsupported, format, args...) }
func Unauthorized(format string, args ...any) error { return newf(ErrUnauthorized, format, args...) }

// Transport wraps a delivery failure at the push/send boundary.
func Transport(err error, format string, args ...any) error {
	return &ProtocolError{Kind: ErrTransport, Message: fmt.Sprintf(format, args...), Err: err}
}

// Internal wraps an unexpected failure.
func Internal(err error, format string, args ...any) error {
	return &ProtocolError{Kind: ErrInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf maps an error to its stable code. Unclassified errors are internal,
// except context deadlines which count as timeouts.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	for _, kc := range kindCodes {
		if errors.Is(err, kc.kind) {
			return kc.code
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeInternal
}

// MessageOf returns the human-readable part of err.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *ProtocolError
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return err.Error()
}

// IsTransient reports whether an operation failing with err may succeed if re-run.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrTransport) ||
		errors.Is(err, context.DeadlineExceeded)
}
