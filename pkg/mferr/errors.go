// Package mferr defines the error kinds the command handler maps onto wire
// status codes, following the sentinel-error idiom of the teacher's
// pkg/core/errors.go.
package mferr

import "errors"

// Kind classifies an error for wire-status mapping.
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindConflict
	KindWarmingUp
	KindExhausted
	KindDensityCap
	KindMalformed
	KindInternal
)

// Error is a typed MindFry error carrying a Kind for dispatch.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, or KindInternal if err is not a
// *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return KindNone
	}
	return KindInternal
}

// Sentinel errors for common conditions, wrapped with New at the call site
// to attach an operation name.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrWarmingUp  = errors.New("warming up")
	ErrExhausted  = errors.New("exhausted")
	ErrDensityCap = errors.New("density cap reached")
	ErrMalformed  = errors.New("malformed request")
)

// NotFound wraps ErrNotFound for op.
func NotFound(op string) *Error { return New(KindNotFound, op, ErrNotFound) }

// Conflict wraps ErrConflict for op.
func Conflict(op string) *Error { return New(KindConflict, op, ErrConflict) }

// WarmingUp wraps ErrWarmingUp for op.
func WarmingUp(op string) *Error { return New(KindWarmingUp, op, ErrWarmingUp) }

// Exhausted wraps ErrExhausted for op.
func Exhausted(op string) *Error { return New(KindExhausted, op, ErrExhausted) }

// DensityCap wraps ErrDensityCap for op.
func DensityCap(op string) *Error { return New(KindDensityCap, op, ErrDensityCap) }

// Malformed wraps ErrMalformed for op.
func Malformed(op string) *Error { return New(KindMalformed, op, ErrMalformed) }

// Internal wraps an arbitrary invariant-violation error as KindInternal.
func Internal(op string, err error) *Error { return New(KindInternal, op, err) }
