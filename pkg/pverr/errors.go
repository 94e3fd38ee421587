// Package pverr defines the error taxonomy shared by bindings, signals,
// devices and statuses.
//
// Every failure surfaced by this module matches exactly one of the
// sentinel kinds below with errors.Is. A connect attempt that runs out of
// time matches both ErrConnection and ErrTimeout.
//
//	_, err := sig.Read(ctx)
//	if errors.Is(err, pverr.ErrTimeout) {
//	    // the IOC did not answer in time
//	}
package pverr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error kinds.
var (
	// ErrConnection indicates the transport or remote PV is unreachable.
	ErrConnection = errors.New("connection error")

	// ErrNotConnected indicates an operation on a binding that is not connected.
	ErrNotConnected = errors.New("not connected")

	// ErrTimeout indicates no response arrived within the deadline.
	ErrTimeout = errors.New("timeout")

	// ErrWriteRejected indicates the remote refused a write.
	ErrWriteRejected = errors.New("write rejected")

	// ErrShutdown indicates an operation issued after supervisor teardown.
	ErrShutdown = errors.New("shutdown")

	// ErrCancelled indicates an operation was explicitly aborted.
	ErrCancelled = errors.New("cancelled")
)

// ErrReadOnly is the cause of an ErrWriteRejected put to a PV without
// write access. It is not a kind of its own.
var ErrReadOnly = errors.New("read-only")

// Error carries the operation and PV a failure belongs to.
type Error struct {
	// Kind is one of the sentinel errors in this package.
	Kind error

	// Op names the failing operation ("connect", "get", "put", ...).
	Op string

	// PV is the canonical PV name, empty when not PV specific.
	PV string

	// Also lists further kinds the error matches.
	Also []error

	// Err is the underlying cause, if any.
	Err error
}

// New creates an error of the given kind.
func New(kind error, op, pv string, cause error) *Error {
	return &Error{Kind: kind, Op: op, PV: pv, Err: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteByte(' ')
	}
	if e.PV != "" {
		b.WriteString(e.PV)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	for _, k := range e.Also {
		b.WriteString(", ")
		b.WriteString(k.Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the kinds and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, len(e.Also)+2)
	errs = append(errs, e.Kind)
	errs = append(errs, e.Also...)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Connection returns a connection error, marking it as a timeout when the
// cause is a deadline.
func Connection(op, pv string, cause error) *Error {
	e := New(ErrConnection, op, pv, cause)
	if errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, ErrTimeout) {
		e.Also = append(e.Also, ErrTimeout)
	}
	return e
}

// Timeout returns a timeout error.
func Timeout(op, pv string, cause error) *Error {
	return New(ErrTimeout, op, pv, cause)
}

// NotConnected returns a not-connected error.
func NotConnected(op, pv string) *Error {
	return New(ErrNotConnected, op, pv, nil)
}

// WriteRejected returns a write-rejected error with a reason. A %w verb in
// format keeps the wrapped cause matchable.
func WriteRejected(pv string, format string, args ...any) *Error {
	return New(ErrWriteRejected, "put", pv, fmt.Errorf(format, args...))
}

// Shutdown returns a shutdown error.
func Shutdown(op, pv string) *Error {
	return New(ErrShutdown, op, pv, nil)
}

// Cancelled returns a cancellation error.
func Cancelled(op, pv string, cause error) *Error {
	return New(ErrCancelled, op, pv, cause)
}

// FromContext maps a finished context to Timeout or Cancelled.
// Errors that already carry a kind are returned unchanged.
func FromContext(op, pv string, err error) error {
	if err == nil {
		return nil
	}
	if Kind(err) != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(op, pv, err)
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled(op, pv, err)
	}
	return err
}

var kinds = []error{ErrConnection, ErrNotConnected, ErrTimeout, ErrWriteRejected, ErrShutdown, ErrCancelled}

// Kind returns the first sentinel kind err matches, or nil.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
