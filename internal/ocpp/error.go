package ocpp

import (
	"encoding/json"
	"fmt"
)

// ErrorCode is an OCPP-J error code carried in a CALLERROR frame.
type ErrorCode string

const (
	ErrCodeGeneric                       ErrorCode = "GenericError"
	ErrCodeInternal                      ErrorCode = "InternalError"
	ErrCodeNotImplemented                ErrorCode = "NotImplemented"
	ErrCodeNotSupported                  ErrorCode = "NotSupported"
	ErrCodeProtocol                      ErrorCode = "ProtocolError"
	ErrCodeSecurity                      ErrorCode = "SecurityError"
	ErrCodeFormationViolation            ErrorCode = "FormationViolation"
	ErrCodeFormatViolation               ErrorCode = "FormatViolation"
	ErrCodePropertyConstraintViolation   ErrorCode = "PropertyConstraintViolation"
	ErrCodeOccurrenceConstraintViolation ErrorCode = "OccurrenceConstraintViolation"
	ErrCodeTypeConstraintViolation       ErrorCode = "TypeConstraintViolation"
)

// Error is an OCPP domain error. It is what a command handler returns to
// produce a CALLERROR, and what a CALLERROR resolves a pending request to.
type Error struct {
	Code        ErrorCode
	Description string
	Details     json.RawMessage
}

func NewError(code ErrorCode, description string) *Error {
	return &Error{Code: code, Description: description}
}

func NewErrorWithDetails(code ErrorCode, description string, details json.RawMessage) *Error {
	return &Error{Code: code, Description: description, Details: details}
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}
