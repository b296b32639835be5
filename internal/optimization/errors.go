package optimization

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every package of the module. Callers match them
// with errors.Is; the concrete value returned is usually an *Error wrapping one
// of these.
var (
	// ErrDimensionMismatch reports inconsistent input, parameter or output
	// dimensions between functions, measures, bounds and problems.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrAnalyticalEvaluationUnavailable reports that a measure cannot be
	// evaluated without discretizing it first.
	ErrAnalyticalEvaluationUnavailable = errors.New("analytical evaluation unavailable")

	// ErrUnsupportedDistribution reports that a distribution lacks the support
	// bounds or quantile function a measure needs.
	ErrUnsupportedDistribution = errors.New("unsupported distribution")

	// ErrNoFeasibleStart reports that every restart of the initial search failed.
	ErrNoFeasibleStart = errors.New("no feasible start")

	// ErrOptimizerNonConvergence reports a local solve that did not end in success.
	ErrOptimizerNonConvergence = errors.New("optimizer did not converge")

	// ErrInvalidArgument reports an out of range parameter.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Error represents an optimization error with context
// that can be wrapped with additional information.
type Error struct {
	// Message describes the error that occurred.
	Message string
	// Op is the operation that caused the error.
	Op string
	// Component is the component where the error occurred.
	Component string
	// Err is the underlying error that triggered this one, if any.
	Err error
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var prefix string
	switch {
	case e.Component != "" && e.Op != "":
		prefix = fmt.Sprintf("%s: %s", e.Component, e.Op)
	case e.Component != "":
		prefix = e.Component
	case e.Op != "":
		prefix = e.Op
	}

	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = fmt.Sprintf("%s: %v", msg, e.Err)
		}
	}
	if prefix != "" {
		return fmt.Sprintf("%s: %s", prefix, msg)
	}
	return msg
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithComponent adds component context to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// NewErrorf creates a new error with a formatted message and no cause.
func NewErrorf(format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError wraps an existing error with additional context.
// If err is nil, WrapError returns nil.
func WrapError(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: message,
		Err:     err,
	}
}

// WrapErrorf wraps an existing error with additional formatted context.
// If err is nil, WrapErrorf returns nil.
func WrapErrorf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// DimensionMismatch builds an ErrDimensionMismatch error for op.
func DimensionMismatch(op string, format string, args ...interface{}) *Error {
	return WrapErrorf(ErrDimensionMismatch, format, args...).WithOperation(op)
}

// InvalidArgument builds an ErrInvalidArgument error for op.
func InvalidArgument(op string, format string, args ...interface{}) *Error {
	return WrapErrorf(ErrInvalidArgument, format, args...).WithOperation(op)
}

// UnsupportedDistribution builds an error matching both
// ErrUnsupportedDistribution and ErrAnalyticalEvaluationUnavailable.
func UnsupportedDistribution(op string, format string, args ...interface{}) *Error {
	cause := fmt.Errorf("%w: %w", ErrUnsupportedDistribution, ErrAnalyticalEvaluationUnavailable)
	return WrapErrorf(cause, format, args...).WithOperation(op)
}

// IsOptimizationError checks if an error is, or wraps, an *Error.
// If so, it returns the outermost one and true.
func IsOptimizationError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
