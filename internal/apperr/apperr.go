// Package apperr defines the closed set of error kinds surfaced by the
// payment pipeline. Every error carries a machine-readable kind, a
// human-readable detail and whether the caller should retry.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindStorageUnavailable  Kind = "storage_unavailable"
	KindChainUnavailable    Kind = "chain_unavailable"
	KindOnChainRejected     Kind = "on_chain_rejected"
	KindReservationConflict Kind = "reservation_conflict"
	KindInternal            Kind = "internal"
)

// Error is the single error type returned across package boundaries.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	// Code narrows a kind, e.g. "intent_expired" or "inventory_exhausted".
	Code string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same call may succeed later without the
// caller changing its input.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindStorageUnavailable, KindChainUnavailable, KindReservationConflict:
		return true
	default:
		return false
	}
}

func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// WithCode returns e with its code set.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}
