// Package cacheerr defines the error taxonomy shared across the coordinator
// and its handles: a small set of sentinel errors for comparison with
// errors.Is, plus a structured wrapper that carries the failing operation,
// key and region for logging.
package cacheerr

import (
	"errors"
	"fmt"
)

// Sentinel errors. Compare with errors.Is, never with ==, since handles and
// the coordinator both wrap these with additional context.
var (
	// ErrInvalidArgument covers null/empty keys or regions, non-positive
	// expiration timeouts, and handle-unsupported precision.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState covers strict-variant update failures (factory
	// returned null, too many retries, key absent), get_or_add retry
	// exhaustion, and construction with zero handles.
	ErrInvalidState = errors.New("invalid state")

	// ErrDisposed is returned by any operation called after Close.
	ErrDisposed = errors.New("coordinator disposed")

	// ErrCanceled is surfaced when the caller's context is canceled while
	// waiting on a handle.
	ErrCanceled = errors.New("canceled by caller")

	// ErrTransientBackend covers handle-level I/O or transport failures.
	// The coordinator does not retry these across handles; it aggregates
	// success/failure and logs.
	ErrTransientBackend = errors.New("transient backend failure")
)

// Error is a structured error carrying the operation, kind and entity
// identifiers involved, wrapping an underlying cause. Modeled on
// core.FrameworkError from the teacher framework.
type Error struct {
	Op     string // e.g. "cachecoord.Update", "rediskv.Add"
	Kind   error  // one of the sentinels above
	Key    string
	Region string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	loc := e.Key
	if e.Region != "" {
		loc = fmt.Sprintf("%s@%s", e.Key, e.Region)
	}
	switch {
	case e.Op != "" && loc != "" && e.Msg != "":
		return fmt.Sprintf("%s [%s]: %s", e.Op, loc, e.Msg)
	case e.Op != "" && loc != "":
		return fmt.Sprintf("%s [%s]: %v", e.Op, loc, e.unwrapKind())
	case e.Msg != "":
		return e.Msg
	default:
		return e.unwrapKind().Error()
	}
}

func (e *Error) unwrapKind() error {
	if e.Err != nil {
		return e.Err
	}
	if e.Kind != nil {
		return e.Kind
	}
	return errors.New("cache error")
}

// Unwrap exposes both the underlying cause (if any) and the error kind so
// errors.Is(err, cacheerr.ErrInvalidState) works regardless of which one was
// set.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	return errs
}

// New builds an *Error for the given operation/kind with an optional
// message. Key/Region/Err can be attached with the With* helpers below.
func New(op string, kind error, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// WithKey returns a copy of e with the key/region attached.
func (e *Error) WithKey(key, region string) *Error {
	c := *e
	c.Key = key
	c.Region = region
	return &c
}

// WithCause returns a copy of e wrapping the given underlying error.
func (e *Error) WithCause(err error) *Error {
	c := *e
	c.Err = err
	return &c
}

// IsInvalidArgument reports whether err ultimately carries ErrInvalidArgument.
func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }

// IsInvalidState reports whether err ultimately carries ErrInvalidState.
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

// IsDisposed reports whether err ultimately carries ErrDisposed.
func IsDisposed(err error) bool { return errors.Is(err, ErrDisposed) }

// IsCanceled reports whether err ultimately carries ErrCanceled.
func IsCanceled(err error) bool { return errors.Is(err, ErrCanceled) }

// IsRetryable reports whether err represents a transient backend condition
// that a caller might reasonably retry.
func IsRetryable(err error) bool { return errors.Is(err, ErrTransientBackend) }
