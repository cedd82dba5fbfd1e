// Package errors defines the service error taxonomy shared by every handler.
// Each error carries a stable machine-readable code, the HTTP status it maps
// to, a human-readable message and optional per-field details.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code.
type Code string

const (
	CodeUnauthenticated    Code = "unauthenticated"
	CodeInvalidArgument    Code = "invalid-argument"
	CodePermissionDenied   Code = "permission-denied"
	CodeNotFound           Code = "not-found"
	CodeFailedPrecondition Code = "failed-precondition"
	CodeWindowExpired      Code = "window-expired"
	CodeAlreadyExists      Code = "already-exists"
	CodeInternal           Code = "internal"
)

// ServiceError is the error type surfaced by services and handlers.
type ServiceError struct {
	Code       Code
	HTTPStatus int
	Message    string
	Details    map[string]interface{}
	cause      error
}

func (e *ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *ServiceError) Unwrap() error { return e.cause }

// WithDetails attaches a detail entry and returns the error for chaining.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(code Code, status int, message string, cause error) *ServiceError {
	return &ServiceError{Code: code, HTTPStatus: status, Message: message, cause: cause}
}

// Unauthorized indicates a missing or invalid caller identity.
func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "authentication required"
	}
	return newError(CodeUnauthenticated, http.StatusUnauthorized, message, nil)
}

// InvalidToken indicates a token that failed validation.
func InvalidToken(cause error) *ServiceError {
	return newError(CodeUnauthenticated, http.StatusUnauthorized, "invalid token", cause)
}

// InvalidArgument indicates a payload that failed schema checks.
func InvalidArgument(message string) *ServiceError {
	return newError(CodeInvalidArgument, http.StatusBadRequest, message, nil)
}

// PermissionDenied indicates the caller lacks the required relationship.
func PermissionDenied(message string) *ServiceError {
	return newError(CodePermissionDenied, http.StatusForbidden, message, nil)
}

// NotFound indicates a missing subject, proposal or family.
func NotFound(message string) *ServiceError {
	return newError(CodeNotFound, http.StatusNotFound, message, nil)
}

// FailedPrecondition indicates an action attempted against a record whose
// current state does not permit it.
func FailedPrecondition(message string) *ServiceError {
	return newError(CodeFailedPrecondition, http.StatusConflict, message, nil)
}

// WindowExpired indicates a deadline-based rejection, distinct from
// FailedPrecondition: the record's status may still nominally allow the
// action but the clock has run out.
func WindowExpired(message string) *ServiceError {
	return newError(CodeWindowExpired, http.StatusConflict, message, nil)
}

// AlreadyExists indicates a uniqueness conflict.
func AlreadyExists(message string) *ServiceError {
	return newError(CodeAlreadyExists, http.StatusConflict, message, nil)
}

// Internal indicates a storage or downstream failure unrelated to the caller.
func Internal(message string, cause error) *ServiceError {
	return newError(CodeInternal, http.StatusInternalServerError, message, cause)
}

// GetServiceError extracts a *ServiceError from err, or nil when err is not
// one.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// IsCode reports whether err is a ServiceError with the given code.
func IsCode(err error, code Code) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}
