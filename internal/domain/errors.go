// Package domain holds the shared types and tagged errors used across the
// tracking engine: fixes, tourist state, zones, alerts, and consent records.
// Keeping these in one package avoids cyclic imports between the
// components that read and write them (geometry has no dependents here;
// everything else references ids, never back-pointers).
package domain

import "fmt"

// Kind tags every error the engine returns to a caller so that HTTP and
// websocket adapters can map it to a stable status code without string
// matching.
type Kind string

const (
	KindUnauthenticated        Kind = "unauthenticated"
	KindUnauthorized           Kind = "unauthorized"
	KindRateLimited            Kind = "rate_limited"
	KindInvalidInput           Kind = "invalid_input"
	KindInvalidGeometry        Kind = "invalid_geometry"
	KindConsentRequired        Kind = "consent_required"
	KindNotFound               Kind = "not_found"
	KindConflict               Kind = "conflict"
	KindDependencyUnavailable  Kind = "dependency_unavailable"
	KindInternal               Kind = "internal"
)

// Error is the tagged error type propagated out of the engine. Message is
// human-readable and safe to show to an authenticated caller; RetryAfter
// is only meaningful for KindRateLimited.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter float64 // seconds, only set for KindRateLimited
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func wrapErr(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func Unauthenticated(msg string) *Error { return newErr(KindUnauthenticated, msg) }
func Unauthorized(msg string) *Error    { return newErr(KindUnauthorized, msg) }
func InvalidInput(msg string) *Error    { return newErr(KindInvalidInput, msg) }
func InvalidGeometry(msg string) *Error { return newErr(KindInvalidGeometry, msg) }
func ConsentRequired(msg string) *Error { return newErr(KindConsentRequired, msg) }
func NotFound(msg string) *Error        { return newErr(KindNotFound, msg) }
func Conflict(msg string) *Error        { return newErr(KindConflict, msg) }
func Internal(msg string, err error) *Error {
	return wrapErr(KindInternal, msg, err)
}
func DependencyUnavailable(msg string, err error) *Error {
	return wrapErr(KindDependencyUnavailable, msg, err)
}

// RateLimited builds a KindRateLimited error carrying a suggested retry delay.
func RateLimited(msg string, retryAfterSeconds float64) *Error {
	return &Error{Kind: KindRateLimited, Message: msg, RetryAfter: retryAfterSeconds}
}

// KindOf returns the kind carried by err (or something it wraps), or
// KindInternal for an untagged error.
func KindOf(err error) Kind {
	for err != nil {
		if ae, ok := err.(*Error); ok {
			return ae.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return KindInternal
}

// IsKind reports whether err (or something it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
