// Package errors provides the typed error taxonomy used across Conduit.
//
// Every failure surfaced by the engine is an *Error carrying an ErrorType.
// Callers classify failures with IsRetryable, IsFatal and IsUserError rather
// than by matching messages.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeValidation represents a record that failed a validation rule
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeTimeout represents an operation that did not finish in time
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeConcurrency represents contention on a shared resource
	ErrorTypeConcurrency ErrorType = "concurrency"
	// ErrorTypeStorage represents a storage backend failure
	ErrorTypeStorage ErrorType = "storage"
	// ErrorTypeIO represents an I/O failure
	ErrorTypeIO ErrorType = "io"
	// ErrorTypeConfig represents invalid configuration or arguments
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeNotFound represents a missing record
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeInvalidState represents an illegal lifecycle transition
	ErrorTypeInvalidState ErrorType = "invalid_state"
	// ErrorTypeProcessing represents a transform failure
	ErrorTypeProcessing ErrorType = "processing"
	// ErrorTypeSerialization represents an encode or decode failure
	ErrorTypeSerialization ErrorType = "serialization"
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
)

// Code returns the stable upper-case code used in metrics and logs.
func (t ErrorType) Code() string {
	switch t {
	case ErrorTypeTimeout, ErrorTypeNotFound, ErrorTypeInvalidState:
		return strings.ToUpper(string(t))
	case "":
		return "UNKNOWN"
	default:
		return strings.ToUpper(string(t)) + "_ERROR"
	}
}

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Detail returns a detail value set with WithDetail.
func (e *Error) Detail(key string) (interface{}, bool) {
	v, ok := e.Details[key]
	return v, ok
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf is New with a format string.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// Annotate wraps err keeping its existing kind. Errors outside the taxonomy
// become fallback.
func Annotate(err error, fallback ErrorType, message string) *Error {
	if err == nil {
		return nil
	}
	kind := TypeOf(err)
	if kind == "" {
		kind = fallback
	}
	return Wrap(err, kind, message)
}

// TypeOf returns the type of the outermost *Error in the chain, or "" when
// err carries no type.
func TypeOf(err error) ErrorType {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Type
}

// Code returns the monitoring code for err.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	if errors.As(err, &ve) && TypeOf(err) == "" {
		return ErrorTypeValidation.Code()
	}
	return TypeOf(err).Code()
}

// IsRetryable returns true if the error is retryable
func IsRetryable(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeTimeout, ErrorTypeConcurrency, ErrorTypeStorage, ErrorTypeIO:
		return true
	default:
		return false
	}
}

// IsFatal reports errors that will not go away by trying again.
func IsFatal(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeConfig, ErrorTypeInvalidState:
		return true
	default:
		return false
	}
}

// IsUserError reports errors caused by the caller's input.
func IsUserError(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeValidation, ErrorTypeNotFound:
		return true
	default:
		return false
	}
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	return TypeOf(err) == errType
}

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
