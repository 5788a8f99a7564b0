// Package rsqlerr tags an error with one of the wire-level error kinds so
// the session layer can put the right string in the response envelope's
// "error" field without sniffing error text.
package rsqlerr

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of error kinds surfaced over the wire.
type Kind string

const (
	SyntaxError         Kind = "SyntaxError"
	UnsupportedSQL      Kind = "UnsupportedSQL"
	NameError           Kind = "NameError"
	TypeError           Kind = "TypeError"
	ConstraintViolation Kind = "ConstraintViolation"
	PermissionDenied    Kind = "PermissionDenied"
	InvalidTxnState     Kind = "InvalidTxnState"
	DeadlockAborted     Kind = "DeadlockAborted"
	ArithmeticError     Kind = "ArithmeticError"
	Io                  Kind = "Io"
	PageCorrupt         Kind = "PageCorrupt"
	Fatal               Kind = "Fatal"
)

// AbortsTxn reports whether an error of this kind aborts the transaction
// it occurred in, per the error handling policy: per-statement recoverable
// errors leave the transaction Active, but DeadlockAborted, Io, PageCorrupt
// and Fatal all abort it.
func (k Kind) AbortsTxn() bool {
	switch k {
	case DeadlockAborted, Io, PageCorrupt, Fatal:
		return true
	default:
		return false
	}
}

// ClosesSession reports whether an error of this kind closes the session
// in addition to aborting its transaction.
func (k Kind) ClosesSession() bool {
	return k == Fatal
}

// Error wraps an underlying error with a Kind, preserving %w unwrapping
// so callers can still use errors.Is/errors.As against the wrapped cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New tags err with kind. If err is nil, New returns nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf builds a new tagged error from a format string, in the same spirit
// as fmt.Errorf.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind tagged onto err, walking the unwrap chain.
// Errors with no tagged Kind are reported as Fatal, matching the
// rollback-errors-escalate-to-Fatal policy for anything unexpected.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return Fatal
}
