// Package apperr carries the error taxonomy shared by the services and the
// HTTP layer: every failure a caller can see maps to a Kind and a stable code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for status mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindAuth
	KindConflict
	KindStorage
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAuth:
		return "auth"
	case KindConflict:
		return "conflict"
	case KindStorage:
		return "storage"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// Error is a classified failure. Message is safe to show to callers; Err holds
// the internal cause and is only ever logged.
type Error struct {
	Kind    Kind
	Code    string
	Field   string
	Message string
	// Status is the upstream HTTP status for KindUpstream errors.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error to the response status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuth:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		if e.Status >= 400 && e.Status <= 599 {
			return e.Status
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// MissingField reports an absent required input.
func MissingField(field string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    "MissingField",
		Field:   field,
		Message: "missing required field: " + field,
	}
}

// InvalidPayload reports a body that could not be decoded.
func InvalidPayload(cause error) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    "InvalidPayload",
		Message: "invalid JSON payload",
		Err:     cause,
	}
}

// Invalid reports a present but unacceptable input.
func Invalid(code, field, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Field: field, Message: message}
}

func NotFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

func Auth(code, message string) *Error {
	return &Error{Kind: KindAuth, Code: code, Message: message}
}

func Conflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

// Storage wraps a store failure behind a generic message.
func Storage(code string, cause error) *Error {
	return &Error{Kind: KindStorage, Code: code, Message: "internal storage error", Err: cause}
}

// Upstream wraps a vendor API failure, keeping the vendor's status and message
// when the vendor described the error itself.
func Upstream(status int, message string, cause error) *Error {
	if message == "" {
		message = "upstream request failed"
	}
	return &Error{Kind: KindUpstream, Code: "UpstreamError", Message: message, Status: status, Err: cause}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}
