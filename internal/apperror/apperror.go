// Package apperror defines the domain error taxonomy shared by the service
// and transport layers. Services return these; handlers map them to HTTP.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation error")
	ErrConflict            = errors.New("conflict")
	ErrForbidden           = errors.New("forbidden")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTransient           = errors.New("temporarily unavailable")
)

// Machine-readable reasons carried in AppError.Code.
const (
	CodeDuplicateSubmission = "duplicate_submission"
	CodeInactivePost        = "inactive_post"
	CodeAlreadyProcessed    = "already_processed"
	CodeEmailTaken          = "email_taken"
	CodeHandleTaken         = "handle_taken"
	CodeInvalidCode         = "invalid_code"
	CodeAlreadyVerified     = "already_verified"
	CodeNotVerified         = "not_verified"
)

type AppError struct {
	Err     error  // sentinel, matched with errors.Is
	Message string // human-readable message, safe to show to clients
	Field   string // optional: input field that failed validation
	Code    string // optional: machine-readable reason
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// ConflictReason returns a Conflict carrying a machine-readable code, e.g.
// duplicate_submission for a second click on the same post.
func ConflictReason(code, message string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: message,
		Code:    code,
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unauthenticated is returned when a session is missing, expired or revoked.
func Unauthenticated(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthenticated,
		Message: message,
	}
}

func InsufficientBalance(message string) *AppError {
	return &AppError{
		Err:     ErrInsufficientBalance,
		Message: message,
		Field:   "amount",
	}
}

// Transient wraps a storage failure the client may retry later. The cause is
// kept for logging; the message stays generic.
func Transient(cause error) *AppError {
	return &AppError{
		Err:     errors.Join(ErrTransient, cause),
		Message: "service temporarily unavailable, please try again later",
	}
}

// CodeOf returns the machine-readable code of the first AppError in err's
// chain, or "" if there is none.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
