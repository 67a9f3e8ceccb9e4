package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies application errors.
type ErrorCode string

const (
	// ErrCodeRoomFull is terminal: the room already has two members.
	ErrCodeRoomFull ErrorCode = "ROOM_FULL"
	// ErrCodeTransport covers negotiation/channel failures and media
	// device denial. Recoverable only by re-opening the session.
	ErrCodeTransport ErrorCode = "TRANSPORT"
	// ErrCodeDecode marks malformed inbound payloads. Always swallowed
	// at the call site, never fatal to the channel.
	ErrCodeDecode ErrorCode = "DECODE"
	// ErrCodeRateLimit marks a locally dropped message over budget.
	ErrCodeRateLimit ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInvalid   ErrorCode = "INVALID_INPUT"
	ErrCodeInternal  ErrorCode = "INTERNAL_ERROR"
)

// AppError carries a code plus an optional cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates an AppError without a cause.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches a code to an existing error.
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Cause: err}
}

func NewRoomFullError(roomID string) *AppError {
	return New(ErrCodeRoomFull, fmt.Sprintf("room %s already has two members", roomID))
}

func NewTransportError(message string, cause error) *AppError {
	return Wrap(cause, ErrCodeTransport, message)
}

func NewDecodeError(cause error) *AppError {
	return Wrap(cause, ErrCodeDecode, "malformed payload")
}

// CodeOf extracts the error code from an error chain, or "" when the
// chain carries no AppError.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
