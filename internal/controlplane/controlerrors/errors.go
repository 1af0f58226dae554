// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package controlerrors defines the typed error-kind taxonomy shared by
// every control-plane component. Components never use panics or sentinel
// exceptions for expected failure paths; they return a *Error carrying a
// stable Kind so the API layer can map it to a status code without
// inspecting message text.
package controlerrors

import "fmt"

// Kind is a stable, string-valued failure classification. Keep these
// stable: the API surface and operator tooling key off the string value.
type Kind string

const (
	NotFound              Kind = "NotFound"
	AlreadyExists         Kind = "AlreadyExists"
	ValidationError       Kind = "ValidationError"
	StoreUnavailable      Kind = "StoreUnavailable"
	RuntimeUnavailable    Kind = "RuntimeUnavailable"
	ContainerCreateFailed Kind = "ContainerCreateFailed"
	ContainerStartFailed  Kind = "ContainerStartFailed"
	ContainerStopFailed   Kind = "ContainerStopFailed"
	ObjectStoreError      Kind = "ObjectStoreError"
	RelayTransportError   Kind = "RelayTransportError"
	RelayClientError      Kind = "RelayClientError"
)

// Error wraps an underlying cause with a stable Kind and a short,
// human-readable detail.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a *Error with the given kind and detail, optionally
// wrapping a cause.
func New(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind == kind
	}
	return false
}

// AsError unwraps err looking for a *Error, for callers (the API
// surface) that need the full struct rather than just a Kind match.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := asError(err, &e)
	return e, ok
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
