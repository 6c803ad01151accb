// Package teloserr implements the closed error taxonomy shared across
// every TELOS component.
package teloserr

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of error kinds every component must
// translate its failures into before surfacing them to a caller.
type Kind string

const (
	InvalidArgument  Kind = "InvalidArgument"
	NotInitialized   Kind = "NotInitialized"
	HandleExpired    Kind = "HandleExpired"
	QueueFull        Kind = "QueueFull"
	Timeout          Kind = "Timeout"
	WorkerLost       Kind = "WorkerLost"
	WorkerError      Kind = "WorkerError"
	StorageFailure   Kind = "StorageFailure"
	Conflict         Kind = "Conflict"
	CoherenceFailure Kind = "CoherenceFailure"
	NotFound         Kind = "NotFound"
	Cancelled        Kind = "Cancelled"
	BudgetExhausted  Kind = "BudgetExhausted"
	BridgeDown       Kind = "BridgeDown"
	InvalidTask      Kind = "InvalidTask"
)

// Error is the concrete error type returned by every TELOS component.
// It never carries an implementation stack trace; WorkerTrace, when
// present, is the verbatim (unparsed) worker-side trace and is only
// populated when the caller opted into verbose reporting.
type Error struct {
	Kind        Kind   `json:"kind"`
	Message     string `json:"message"`
	Cause       error  `json:"-"`
	WorkerTrace string `json:"worker_trace,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, teloserr.New(KindX, "")) to match purely on
// Kind, which is how components test for specific failure classes.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given kind, chaining cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind of err if it (or something it wraps) is a
// *Error, otherwise reports false.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
