// Package apperrors provides the typed error kinds shared by every core
// component of the daemon (§7 of the design: Validation, Precondition,
// PermissionDenied, NotFound, Conflict, Timeout, Transport, AdapterFailure,
// ResourceExhausted).
package apperrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the design-level error categories.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindPrecondition     Kind = "precondition"
	KindPermissionDenied Kind = "permission_denied"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindTimeout          Kind = "timeout"
	KindTransport        Kind = "transport"
	KindAdapterFailure   Kind = "adapter_failure"
	KindResourceExhausted Kind = "resource_exhausted"
)

// Error is an application-specific error carrying a Kind, a human message,
// an optional resource identity, and an optional wrapped cause.
type Error struct {
	Kind     Kind
	Resource string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Resource != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s (%s): %v", e.Kind, e.Message, e.Resource, e.Err)
		}
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Validation reports bad input: empty prompt, malformed label, unknown
// mode, inaccessible cwd, invalid output schema.
func Validation(format string, args ...interface{}) *Error {
	return newErr(KindValidation, fmt.Sprintf(format, args...))
}

// Precondition reports an operation that is not legal in the current
// state (agent killed/failed, terminal missing, controller not online).
func Precondition(format string, args ...interface{}) *Error {
	return newErr(KindPrecondition, fmt.Sprintf(format, args...))
}

// PermissionDenied reports a transport/auth failure on accept.
func PermissionDenied(format string, args ...interface{}) *Error {
	return newErr(KindPermissionDenied, fmt.Sprintf(format, args...))
}

// NotFound reports an unknown agent, terminal, permission, or subscription.
func NotFound(resource, id string) *Error {
	return &Error{Kind: KindNotFound, Resource: id, Message: fmt.Sprintf("%s not found", resource)}
}

// Conflict reports a concurrent destructive operation.
func Conflict(format string, args ...interface{}) *Error {
	return newErr(KindConflict, fmt.Sprintf(format, args...))
}

// Timeout reports a bounded wait that elapsed (turn, connect, wait-for-finish).
func Timeout(format string, args ...interface{}) *Error {
	return newErr(KindTimeout, fmt.Sprintf(format, args...))
}

// Transport reports a disconnect or I/O error on a WebSocket or child pipe.
func Transport(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindTransport, Message: fmt.Sprintf(format, args...), Err: err}
}

// AdapterFailure reports an ACP protocol error or unexpected child exit.
func AdapterFailure(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindAdapterFailure, Message: fmt.Sprintf(format, args...), Err: err}
}

// ResourceExhausted reports a full subscription queue; the caller must
// back off and re-subscribe.
func ResourceExhausted(format string, args ...interface{}) *Error {
	return newErr(KindResourceExhausted, fmt.Sprintf(format, args...))
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, returning "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
