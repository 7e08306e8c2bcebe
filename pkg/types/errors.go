package types

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable string code carried by every Error. Codes are part
// of the wire contract: tool responses embed them verbatim.
type ErrorCode string

const (
	CodeValidation         ErrorCode = "ValidationError"
	CodeNotFound           ErrorCode = "NotFound"
	CodeStorageUnavailable ErrorCode = "StorageUnavailable"
	CodeConstraint         ErrorCode = "ConstraintViolation"
	CodeTimeout            ErrorCode = "Timeout"
	CodeCancelled          ErrorCode = "Cancelled"
	CodeProtocol           ErrorCode = "ProtocolError"
	CodeInternal           ErrorCode = "Internal"
)

// Error is the tagged error returned across every component boundary. It
// carries a stable code, a human-readable message, optional structured data,
// and a recovery hint suitable for display to the user.
type Error struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Hint    string                 `json:"hint,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// WithHint returns a copy of e carrying the given recovery hint.
func (e *Error) WithHint(hint string) *Error {
	cp := *e
	cp.Hint = hint
	return &cp
}

// WithData returns a copy of e carrying structured data.
func (e *Error) WithData(data map[string]interface{}) *Error {
	cp := *e
	cp.Data = data
	return &cp
}

// NewError constructs an Error with the given code and formatted message.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError constructs an Error wrapping cause.
func WrapError(code ErrorCode, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Validation builds a ValidationError naming the offending field path.
func Validation(field, format string, args ...interface{}) *Error {
	e := NewError(CodeValidation, format, args...)
	e.Data = map[string]interface{}{"field": field}
	return e
}

// AsError extracts the *Error from err's chain. Unknown errors are wrapped as
// Internal so that callers always see a coded error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return WrapError(CodeInternal, err, "internal error")
}

// CodeOf returns the code of err, or CodeInternal for untagged errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return AsError(err).Code
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var te *Error
	return errors.As(err, &te) && te.Code == code
}
