package gateway

import (
	"fmt"

	"github.com/paseohq/paseod/internal/apperrors"
)

// Gateway error codes (§4.2 "Errors"), distinct from apperrors.Kind
// since a handful of them (unknown_agent, unknown_terminal,
// rate_limited) are Gateway-local concepts with no one-to-one Manager
// or Multiplexer equivalent.
const (
	codeUnauthorized      = "unauthorized"
	codeUnknownAgent      = "unknown_agent"
	codeUnknownTerminal   = "unknown_terminal"
	codeInvalidArgument   = "invalid_argument"
	codeResourceExhausted = "resource_exhausted"
	codeRateLimited       = "rate_limited"
	codeInternal          = "internal"
)

type gatewayError struct {
	code    string
	message string
}

func (e *gatewayError) Error() string { return e.message }

func errUnknownAction(action string) error {
	return &gatewayError{code: codeInvalidArgument, message: fmt.Sprintf("unknown action %q", action)}
}

func errUnauthorized(message string) error {
	return &gatewayError{code: codeUnauthorized, message: message}
}

func errInvalidArgument(format string, args ...interface{}) error {
	return &gatewayError{code: codeInvalidArgument, message: fmt.Sprintf(format, args...)}
}

func errResourceExhausted(message string) error {
	return &gatewayError{code: codeResourceExhausted, message: message}
}

// errorCode maps any error surfaced by a Handler onto a Gateway wire
// code, deferring to the err's own code if it is already a
// *gatewayError and otherwise translating apperrors.Kind (§4.2 "Errors":
// unauthorized, unknown_agent, unknown_terminal, invalid_argument,
// resource_exhausted, rate_limited).
func errorCode(resource string, err error) string {
	if ge, ok := err.(*gatewayError); ok {
		return ge.code
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindNotFound:
		if resource == "terminal" || resource == "stream" {
			return codeUnknownTerminal
		}
		return codeUnknownAgent
	case apperrors.KindValidation:
		return codeInvalidArgument
	case apperrors.KindPermissionDenied:
		return codeUnauthorized
	case apperrors.KindResourceExhausted:
		return codeResourceExhausted
	default:
		return codeInternal
	}
}
