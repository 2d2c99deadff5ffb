// Package domainerrors carries the error codes services return across their
// boundary. Handlers translate a Code into an HTTP status; everything below the
// service layer keeps returning plain or sentinel errors.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code identifies a class of domain failure.
type Code string

const (
	CodeBadRequest         Code = "bad_request"
	CodeValidation         Code = "validation_error"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeUnauthorized       Code = "unauthorized"
	CodeInternal           Code = "internal_error"
	CodeTimeout            Code = "timeout"
	CodeInvariantViolation Code = "invariant_violation"

	// SIRE taxonomy.
	CodeAuthRejected      Code = "auth_rejected"
	CodeReauthRequired    Code = "reauth_required"
	CodeAuthUnavailable   Code = "auth_unavailable"
	CodeInvalidParameters Code = "invalid_parameters"
	CodeRemoteRejected    Code = "remote_rejected"
	CodeTransientRemote   Code = "transient_remote_failure"
	CodeRetrievalFailed   Code = "retrieval_failed"
	CodeCancelNotAllowed  Code = "cancel_not_allowed"
	CodeIntegrityMismatch Code = "integrity_mismatch"
	CodeNotConfigured     Code = "not_configured"
)

// Error is a coded domain error. Err, when set, is the underlying cause and is
// never rendered to API clients.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a domain error with the given code.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var de *Error
	for err != nil {
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// HasCode reports whether the outermost domain error in err has the given code.
func HasCode(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// CodeOf returns the code of the outermost domain error in err.
func CodeOf(err error) (Code, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Code, true
	}
	return "", false
}
