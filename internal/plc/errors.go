package plc

import (
	"errors"
	"fmt"
)

// Kind is the stable error code surfaced to API clients. Codes are part of the
// external contract and must not change.
type Kind string

const (
	KindConnError  Kind = "PLC_CONN_ERROR"
	KindBusy       Kind = "PLC_BUSY"
	KindBadCommand Kind = "BAD_COMMAND"
	KindBadRequest Kind = "BAD_REQUEST"
	KindInternal   Kind = "INTERNAL_ERROR"
)

// Error carries a stable kind through every layer. Layers above the link may
// add message context but must never change the kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a new classified error.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapErr classifies an underlying cause without losing it.
func WrapErr(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Wrap adds message context while preserving the kind of err. Unclassified
// errors become INTERNAL_ERROR.
func Wrap(err error, format string, args ...any) *Error {
	return &Error{Kind: KindOf(err), Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of a classified error, or INTERNAL_ERROR for
// anything else.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}
