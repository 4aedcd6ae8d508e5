// Package coreerrors defines the error taxonomy shared by the lanes packages.
//
// Errors are thrown (panicked) with a stack trace, following the
// github.com/gomlx/exceptions convention used across the gomlx family: this
// way call-sites deep inside a dispatch or a traced loop body don't need to
// plumb error returns through user callbacks. Catch them with
// exceptions.Try / exceptions.TryFor, or let them propagate.
package coreerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the error categories raised by the dispatch engine and the
// control-flow constructs.
type Kind int

const (
	// KindConfiguration: invalid call configuration, e.g. both (or neither) of
	// domain and callable count given, or a malformed mode argument.
	KindConfiguration Kind = iota

	// KindShapeMismatch: lane-count or arity disagreement between arguments,
	// return values, or loop/branch state across iterations.
	KindShapeMismatch

	// KindUninitializedValue: a callable returned a null/empty handle.
	KindUninitializedValue

	// KindBackendMismatch: a callable returned a variable bound to a different
	// backend than the call.
	KindBackendMismatch

	// KindUnsupportedMode: evaluated-mode dispatch requested while the
	// recorder is mid-symbolic-trace.
	KindUnsupportedMode

	// KindMissingInstance: a bucket references a registry id that no longer
	// resolves to an instance.
	KindMissingInstance
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "ConfigurationError"
	case KindShapeMismatch:
		return "ShapeMismatchError"
	case KindUninitializedValue:
		return "UninitializedValueError"
	case KindBackendMismatch:
		return "BackendMismatchError"
	case KindUnsupportedMode:
		return "UnsupportedModeError"
	case KindMissingInstance:
		return "MissingInstanceError"
	}
	return fmt.Sprintf("UnknownErrorKind(%d)", int(k))
}

// Error is the concrete error value thrown by the lanes packages. Construct
// identifies which construct raised it ("dispatch", "if", "while", ...), and
// Name is the user-facing operation name given to that construct.
type Error struct {
	Kind      Kind
	Construct string
	Name      string
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s(%q): %s: %v", e.Construct, e.Name, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Construct, e.Kind, e.Err)
}

// Unwrap returns the wrapped error, with its stack trace.
func (e *Error) Unwrap() error {
	return e.Err
}

// Panicf throws (panics with) an *Error of the given kind, with a
// stack-carrying formatted message.
func Panicf(kind Kind, construct, name, format string, args ...any) {
	panic(&Error{
		Kind:      kind,
		Construct: construct,
		Name:      name,
		Err:       errors.Errorf(format, args...),
	})
}
