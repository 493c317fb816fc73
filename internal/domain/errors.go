package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a workflow failure. Every kind is recoverable by the caller.
type ErrorKind string

const (
	KindUnknownIdentity   ErrorKind = "unknown_identity"
	KindForbidden         ErrorKind = "forbidden"
	KindNotFound          ErrorKind = "not_found"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindValidation        ErrorKind = "validation_error"
	KindUnknownEmployee   ErrorKind = "unknown_employee"
	KindConflict          ErrorKind = "conflict"
)

// Error is the structured failure returned by the engine.
type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Is matches sentinel errors by kind so errors.Is(err, ErrForbidden) works on any forbidden error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// With returns a copy of e carrying an extra detail.
func (e *Error) With(key string, value any) *Error {
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &Error{Kind: e.Kind, Message: e.Message, Details: details}
}

var (
	ErrUnknownIdentity   = &Error{Kind: KindUnknownIdentity}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrUnknownEmployee   = &Error{Kind: KindUnknownEmployee}
	ErrConflict          = &Error{Kind: KindConflict}
)

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the workflow kind of err, or "" for infrastructure errors.
func KindOf(err error) ErrorKind {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	return ""
}
