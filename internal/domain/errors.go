package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable classification carried by every typed
// error the core returns.
type ErrorCode string

// Lookup and request codes.
const (
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeForbidden       ErrorCode = "FORBIDDEN"
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	CodeConflict        ErrorCode = "CONFLICT"
	CodeRateLimited     ErrorCode = "RATE_LIMITED"
)

// Orchestration taxonomy. This set decides retry eligibility.
const (
	CodeInputInvalid           ErrorCode = "INPUT_INVALID"
	CodeCapabilityUnsupported  ErrorCode = "CAPABILITY_UNSUPPORTED"
	CodeAgentUnavailable       ErrorCode = "AGENT_UNAVAILABLE"
	CodeTimeout                ErrorCode = "TIMEOUT"
	CodeToolAuthFailed         ErrorCode = "TOOL_AUTH_FAILED"
	CodeToolRateLimited        ErrorCode = "TOOL_RATE_LIMITED"
	CodeAgentError             ErrorCode = "AGENT_ERROR"
	CodeSystemError            ErrorCode = "SYSTEM_ERROR"
	CodeInvalidTransition      ErrorCode = "INVALID_TRANSITION"
	CodeHMACVerificationFailed ErrorCode = "HMAC_VERIFICATION_FAILED"
	CodeEventReplay            ErrorCode = "EVENT_REPLAY"
	CodeClockSkew              ErrorCode = "CLOCK_SKEW"
)

var runErrorCodes = map[ErrorCode]bool{
	CodeInputInvalid:           false,
	CodeCapabilityUnsupported:  false,
	CodeAgentUnavailable:       true,
	CodeTimeout:                true,
	CodeToolAuthFailed:         false,
	CodeToolRateLimited:        true,
	CodeAgentError:             false,
	CodeSystemError:            true,
	CodeInvalidTransition:      false,
	CodeHMACVerificationFailed: false,
	CodeEventReplay:            false,
	CodeClockSkew:              false,
}

// IsRetryable reports whether a run that failed with code may be retried
// automatically. Anything outside the retryable subset is fatal.
func IsRetryable(code ErrorCode) bool {
	return runErrorCodes[code]
}

// ValidRunErrorCode reports whether code belongs to the orchestration taxonomy.
func ValidRunErrorCode(code string) bool {
	_, ok := runErrorCodes[ErrorCode(code)]
	return ok
}

// Error is a typed error carrying a machine-readable code.
type Error struct {
	Code    ErrorCode
	Message string
}

func NewError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return e.Message
}

// CodeOf extracts the code of a typed error. Untyped errors are system errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeSystemError
}

// HasCode reports whether err is a typed error with the given code.
func HasCode(err error, code ErrorCode) bool {
	var de *Error
	return errors.As(err, &de) && de.Code == code
}
