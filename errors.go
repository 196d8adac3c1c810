package recordvalidator

import (
	stderrs "errors"
	"fmt"
)

// ErrorCode classifies failures surfaced by the validation core.
// Values are stable; add sparingly.
type ErrorCode uint16

const (
	// CodeUnknown is for unclassified errors.
	CodeUnknown ErrorCode = iota

	// CodeSpawn is for workers that never became idle. Fatal during
	// Initialize, retried by maintenance in steady state.
	CodeSpawn

	// CodeTimeout is for jobs that exceeded their deadline. The worker is
	// not penalized.
	CodeTimeout

	// CodeProcess is for external processes that exited abnormally or
	// produced unparseable output. Increments the worker's failure counter.
	CodeProcess

	// CodeShuttingDown is for calls made after shutdown began.
	CodeShuttingDown

	// CodeCanceled is for jobs abandoned because the caller's context was
	// canceled before a deadline fired.
	CodeCanceled

	// CodeConfig is for invalid configuration.
	CodeConfig
)

// ErrShuttingDown is the sentinel rejection for new work during shutdown.
var ErrShuttingDown = New(CodeShuttingDown, "validator is shutting down")

// Error is the structured error type used across the core. msg is developer
// facing; code is machine facing; op is an optional operation tag; orig is
// the wrapped cause.
type Error struct {
	orig error
	msg  string
	code ErrorCode
	op   string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.orig != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.orig)
	}
	return e.msg
}

// Unwrap returns the wrapped error, if any.
func (e *Error) Unwrap() error { return e.orig }

// Code returns the error code.
func (e *Error) Code() ErrorCode { return e.code }

// Op returns the operation label, if set.
func (e *Error) Op() string { return e.op }

// Is reports whether target is an *Error with the same code. This lets
// callers compare against sentinels like ErrShuttingDown with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !stderrs.As(target, &t) {
		return false
	}
	return e.code == t.code
}

// New returns a new *Error with the given code and message.
func New(code ErrorCode, msg string) error { return &Error{code: code, msg: msg} }

// Newf returns a new *Error with code and formatted message.
func Newf(code ErrorCode, format string, a ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, a...)}
}

// Wrap returns a new *Error that wraps orig with code and message.
func Wrap(orig error, code ErrorCode, msg string) error {
	return &Error{orig: orig, code: code, msg: msg}
}

// Wrapf returns a new *Error that wraps orig with code and formatted message.
func Wrapf(orig error, code ErrorCode, format string, a ...any) error {
	return &Error{orig: orig, code: code, msg: fmt.Sprintf(format, a...)}
}

// As unwraps and returns (*Error, true) if err is one of ours.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrs.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf extracts an ErrorCode from any error, defaulting to CodeUnknown.
func CodeOf(err error) ErrorCode {
	if e, ok := As(err); ok {
		return e.code
	}
	return CodeUnknown
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool { return CodeOf(err) == code }

// IsTimeout reports whether err is a job deadline failure.
func IsTimeout(err error) bool { return IsCode(err, CodeTimeout) }

// IsProcess reports whether err is an external process failure.
func IsProcess(err error) bool { return IsCode(err, CodeProcess) }

// IsSpawn reports whether err is a spawn or warmup failure.
func IsSpawn(err error) bool { return IsCode(err, CodeSpawn) }

// IsShuttingDown reports whether err is a shutdown rejection.
func IsShuttingDown(err error) bool { return IsCode(err, CodeShuttingDown) }

// WithOp attaches an operation label (copy-on-write). Foreign errors are
// returned unchanged.
func WithOp(err error, op string) error {
	if e, ok := As(err); ok {
		c := *e
		c.op = op
		return &c
	}
	return err
}
