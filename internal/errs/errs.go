// Package errs is the engine's error taxonomy. Only delivery-path failures
// reach users; the code tells each layer whether to retry, absorb, or abort.
package errs

import (
	"errors"
	"fmt"
)

type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: cause}
}

func Transient(message string, cause error) error {
	return Wrap(CodeTransient, message, cause)
}

func Storage(message string, cause error) error {
	return Wrap(CodeStorage, message, cause)
}

func Migration(message string, cause error) error {
	return Wrap(CodeMigration, message, cause)
}

func InvalidArg(message string) error {
	return New(CodeInvalidArgument, message)
}

func NotFound(message string) error {
	return New(CodeNotFound, message)
}

// CodeOf returns the code of the outermost *Error in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

var (
	ErrNotInitialized = New(CodeNotInitialized, "engine not initialized")
	ErrEmptyPayload   = InvalidArg("message needs text or media, not both or neither")
	ErrUnknownChat    = NotFound("chat not found")
	ErrUnknownMessage = NotFound("message not found")
)
