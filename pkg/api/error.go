package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the HTTP edge. Infra layers (store, blob
// store, crypto) tag their failures with a Kind; handlers map it to a status
// code without inspecting driver errors.
type Kind string

const (
	KindBadRequest   Kind = "bad_request"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindInternal     Kind = "internal"
)

// Error holds a kind, a message and an optional wrapped child.
type Error struct {
	kind    Kind
	message string
	wrapped error
}

func (e *Error) Error() string {
	return e.message
}

// Unwrap allows nesting of errors
func (e *Error) Unwrap() error {
	return e.wrapped
}

// Is allows us to say we are an Error
func (e *Error) Is(target error) bool {
	_, is := target.(*Error)
	return is
}

func (e *Error) Kind() Kind {
	return e.kind
}

// NewError builds a tagged error from a format string.
func NewError(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, message: fmt.Sprintf(format, args...)}
}

// WrapError tags an existing error, keeping it reachable via Unwrap.
func WrapError(kind Kind, err error, format string, args ...interface{}) error {
	return &Error{kind: kind, message: fmt.Sprintf(format, args...), wrapped: err}
}

// KindOf extracts the kind of err, defaulting to KindInternal for anything
// that never got tagged.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind to its response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
