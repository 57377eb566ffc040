// Package apperror provides the daemon's structured error taxonomy.
//
// Every error that reaches a client crosses exactly one boundary — the
// daemon's request router or a SessionCore/Identity event sink — as an
// *Error carrying a stable Code and a human Message. Component-internal
// Go errors (os, sql, io) are wrapped into an *Error only at that boundary;
// elsewhere components return plain `error` via fmt.Errorf("...: %w", err).
package apperror

import (
	"fmt"
	"net/http"
)

// Error is a machine-readable daemon error with an HTTP-agnostic code.
// Code values are stable names, not Go type names, so a client-side
// switch over Code is stable across releases.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Code enumerates the daemon's error taxonomy.
type Code string

const (
	Unknown                  Code = "Unknown"
	InternalServer            Code = "InternalServer"
	InternalCommunication     Code = "InternalCommunication"
	PermissionDeniedCode      Code = "PermissionDenied"
	MethodNotKnown            Code = "MethodNotKnown"
	ServiceNotAvailable       Code = "ServiceNotAvailable"
	InvalidQuery              Code = "InvalidQuery"
	MethodNotAvailable        Code = "MethodNotAvailable"
	IdentityNotFoundCode      Code = "IdentityNotFound"
	StoreFailed               Code = "StoreFailed"
	RemoveFailed              Code = "RemoveFailed"
	SignOutFailed             Code = "SignOutFailed"
	IdentityOperationCanceled Code = "IdentityOperationCanceled"
	CredentialsNotAvailable   Code = "CredentialsNotAvailable"
	MechanismNotAvailable     Code = "MechanismNotAvailable"
	MissingData               Code = "MissingData"
	InvalidCredentialsCode    Code = "InvalidCredentials"
	WrongState                Code = "WrongState"
	OperationNotSupported     Code = "OperationNotSupported"
	NoConnection              Code = "NoConnection"
	Network                   Code = "Network"
	Ssl                       Code = "Ssl"
	Runtime                   Code = "Runtime"
	SessionCanceledCode       Code = "SessionCanceled"
	TimedOut                  Code = "TimedOut"
	UserInteraction           Code = "UserInteraction"
	OperationFailed           Code = "OperationFailed"
	EncryptionFailed          Code = "EncryptionFailed"
	TOSNotAccepted            Code = "TOSNotAccepted"
	ForgotPassword            Code = "ForgotPassword"
)

// UserDefinedOffset is the first numeric value of the plugin-defined error
// range; plugins carry their own "code:message" pairs above this offset.
const UserDefinedOffset = 1 << 16

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates an *Error with no extra detail.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches an underlying Go error as Details.
func Wrap(code Code, message string, err error) *Error {
	d := ""
	if err != nil {
		d = err.Error()
	}
	return &Error{Code: code, Message: message, Details: d}
}

// Convenience constructors used throughout the core components.

func IdentityNotFound(id uint32) *Error {
	return New(IdentityNotFoundCode, fmt.Sprintf("identity %d not found", id))
}

func PermissionDenied(message string) *Error {
	return New(PermissionDeniedCode, message)
}

func MethodUnknown(method string) *Error {
	return New(MethodNotKnown, fmt.Sprintf("method %q not known", method))
}

func MechanismUnavailable(mechanism string) *Error {
	return New(MechanismNotAvailable, fmt.Sprintf("mechanism %q not available", mechanism))
}

func SessionCanceled() *Error {
	return New(SessionCanceledCode, "request canceled")
}

func InvalidCredentials() *Error {
	return New(InvalidCredentialsCode, "invalid username or secret")
}

func WrongStateErr(message string) *Error {
	return New(WrongState, message)
}

func InternalCommErr(err error) *Error {
	return Wrap(InternalCommunication, "plugin communication failure", err)
}

func StoreFailedErr(err error) *Error {
	return Wrap(StoreFailed, "failed to store identity", err)
}

func RemoveFailedErr(err error) *Error {
	return Wrap(RemoveFailed, "failed to remove identity", err)
}

func SignOutFailedErr(err error) *Error {
	return Wrap(SignOutFailed, "failed to sign out identity", err)
}

func CredentialsUnavailable() *Error {
	return New(CredentialsNotAvailable, "credentials store is not unlocked")
}

func TimedOutErr(message string) *Error {
	return New(TimedOut, message)
}

func EncryptionFailedErr(err error) *Error {
	return Wrap(EncryptionFailed, "encrypted volume operation failed", err)
}

// ToResponse renders e as the client transport's JSON fault body (§6,
// §7 "every error is both a numeric code and a message").
func (e *Error) ToResponse() map[string]any {
	return map[string]any{
		"code":    e.Code,
		"message": e.Message,
		"details": e.Details,
	}
}

// HTTPStatus maps e's taxonomy Code onto the status the client-transport
// HTTP binding reports; the code itself, not the status, is what callers
// should switch on (§7).
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case PermissionDeniedCode:
		return http.StatusForbidden
	case IdentityNotFoundCode, MethodNotKnown, MechanismNotAvailable:
		return http.StatusNotFound
	case InvalidQuery, InvalidCredentialsCode, MissingData:
		return http.StatusBadRequest
	case WrongState, OperationNotSupported:
		return http.StatusConflict
	case TimedOut:
		return http.StatusGatewayTimeout
	case ServiceNotAvailable, CredentialsNotAvailable:
		return http.StatusServiceUnavailable
	case SessionCanceledCode, IdentityOperationCanceled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
