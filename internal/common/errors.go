package common

import (
	"context"
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Machine-readable error codes surfaced through job snapshots and APIs.
const (
	CodeConfiguration     = "configuration_error"
	CodeStartupTimeout    = "startup_timeout"
	CodeProcessLaunch     = "process_launch_error"
	CodeTransport         = "transport_error"
	CodeResponseShape     = "response_shape_error"
	CodeDependencyMissing = "dependency_missing"
	CodeCancelled         = "cancelled"
	CodeNotFound          = "not_found"
	CodeInvalidInput      = "invalid_input"
	CodeInvalidState      = "invalid_state"
	CodeInternal          = "internal_error"
)

// Taxonomy sentinels. Constructors below place them in the cause chain so
// errors.Is works regardless of wrapping.
var (
	ErrConfiguration     = errors.New("invalid configuration")
	ErrStartupTimeout    = errors.New("backend startup timed out")
	ErrProcessLaunch     = errors.New("backend process launch failed")
	ErrTransport         = errors.New("transport failure")
	ErrResponseShape     = errors.New("unexpected response shape")
	ErrDependencyMissing = errors.New("required dependency missing")
	ErrCancelled         = errors.New("cancelled")
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidState      = errors.New("invalid state")
	ErrInternal          = errors.New("internal error")
)

var codeSentinels = []struct {
	code string
	err  error
}{
	{CodeConfiguration, ErrConfiguration},
	{CodeStartupTimeout, ErrStartupTimeout},
	{CodeProcessLaunch, ErrProcessLaunch},
	{CodeTransport, ErrTransport},
	{CodeResponseShape, ErrResponseShape},
	{CodeDependencyMissing, ErrDependencyMissing},
	{CodeCancelled, ErrCancelled},
	{CodeNotFound, ErrNotFound},
	{CodeInvalidInput, ErrInvalidInput},
	{CodeInvalidState, ErrInvalidState},
}

// NewAppError builds an AppError without a taxonomy sentinel.
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// kindCause attaches a taxonomy sentinel to an underlying cause while keeping
// the cause's own message.
type kindCause struct {
	sentinel error
	cause    error
}

func (k kindCause) Error() string   { return k.cause.Error() }
func (k kindCause) Unwrap() []error { return []error{k.sentinel, k.cause} }

func newKind(code string, sentinel error, message string, cause error) *AppError {
	switch {
	case cause == nil:
		return &AppError{Code: code, Message: message}
	case errors.Is(cause, sentinel):
		return &AppError{Code: code, Message: message, Cause: cause}
	default:
		return &AppError{Code: code, Message: message, Cause: kindCause{sentinel: sentinel, cause: cause}}
	}
}

// Is matches the taxonomy sentinel for the error's code, so an AppError
// without a cause still satisfies errors.Is(err, ErrNotFound) and friends.
func (e *AppError) Is(target error) bool {
	for _, cs := range codeSentinels {
		if cs.err == target {
			return cs.code == e.Code
		}
	}
	return false
}

func NewConfigurationError(message string, cause error) *AppError {
	return newKind(CodeConfiguration, ErrConfiguration, message, cause)
}

func NewStartupTimeoutError(message string, cause error) *AppError {
	return newKind(CodeStartupTimeout, ErrStartupTimeout, message, cause)
}

func NewProcessLaunchError(message string, cause error) *AppError {
	return newKind(CodeProcessLaunch, ErrProcessLaunch, message, cause)
}

func NewTransportError(message string, cause error) *AppError {
	return newKind(CodeTransport, ErrTransport, message, cause)
}

func NewResponseShapeError(message string, cause error) *AppError {
	return newKind(CodeResponseShape, ErrResponseShape, message, cause)
}

func NewDependencyMissingError(message string, cause error) *AppError {
	return newKind(CodeDependencyMissing, ErrDependencyMissing, message, cause)
}

func NewCancelledError(message string, cause error) *AppError {
	return newKind(CodeCancelled, ErrCancelled, message, cause)
}

func NewNotFoundError(message string) *AppError {
	return newKind(CodeNotFound, ErrNotFound, message, nil)
}

func NewInvalidInputError(message string, cause error) *AppError {
	return newKind(CodeInvalidInput, ErrInvalidInput, message, cause)
}

func NewInvalidStateError(message string) *AppError {
	return newKind(CodeInvalidState, ErrInvalidState, message, nil)
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// ErrorCode returns the machine-readable code for err.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var ae *AppError
	if errors.As(err, &ae) && ae.Code != "" {
		return ae.Code
	}
	for _, cs := range codeSentinels {
		if errors.Is(err, cs.err) {
			return cs.code
		}
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTransport
	}
	return CodeInternal
}

// IsCancellation reports whether err stems from cooperative cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// Detail is the serializable form of an error carried in results and job snapshots.
type Detail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DetailOf converts err into a Detail; nil stays nil.
func DetailOf(err error) *Detail {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var ae *AppError
	if errors.As(err, &ae) {
		msg = ae.Message
		if ae.Cause != nil {
			msg = fmt.Sprintf("%s: %v", ae.Message, ae.Cause)
		}
	}
	return &Detail{Code: ErrorCode(err), Message: msg}
}

func (d *Detail) Error() string {
	return fmt.Sprintf("%s: %s", d.Code, d.Message)
}
