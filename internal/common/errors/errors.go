// Package errors provides the application error taxonomy for cnapi-core.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants.
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadParam           = "BAD_PARAM"
	ErrCodeNotActive          = "NOT_ACTIVE"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeAgentUnreachable   = "AGENT_UNREACHABLE"
	ErrCodeAgentRejected      = "AGENT_REJECTED"
	ErrCodeTimeout            = "TIMEOUT"

	// ErrCodeEtagConflict is the code for an internal optimistic-concurrency
	// failure. It must never cross an HTTP boundary. The store itself
	// reports such failures as store.ErrVersionConflict, which callers retry
	// a bounded number of times before escalating to ServiceUnavailable.
	ErrCodeEtagConflict = "ETAG_CONFLICT"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not-found error for a resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadParam creates a validation error surfaced as 400.
func BadParam(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadParam,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotActive creates the error returned when releasing a ticket that is not
// currently active.
func NotActive(uuid string) *AppError {
	return &AppError{
		Code:       ErrCodeNotActive,
		Message:    fmt.Sprintf("ticket '%s' is not active", uuid),
		HTTPStatus: http.StatusConflict,
	}
}

// Conflict creates a generic 409 conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// InternalError creates a new internal server error wrapping the cause.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ServiceUnavailable creates a 503 for a transient external collaborator.
func ServiceUnavailable(service string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("%s is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// AgentUnreachable creates a 503 for a dispatch that could not reach the
// on-host agent transport.
func AgentUnreachable(serverID string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeAgentUnreachable,
		Message:    fmt.Sprintf("agent for server '%s' is unreachable", serverID),
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// AgentRejected creates the error returned when the agent transport refused
// to accept dispatched work.
func AgentRejected(serverID string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeAgentRejected,
		Message:    fmt.Sprintf("agent for server '%s' rejected the request", serverID),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// Timeout creates the error a long-poll endpoint returns when its deadline
// elapses before the target became terminal.
func Timeout(message string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    message,
		HTTPStatus: http.StatusRequestTimeout,
	}
}

// EtagConflict creates the internal optimistic-concurrency error. Never
// return this from an HTTP handler; retry it or translate to
// ServiceUnavailable first.
func EtagConflict(bucket, key string) *AppError {
	return &AppError{
		Code:       ErrCodeEtagConflict,
		Message:    fmt.Sprintf("version mismatch writing %s/%s", bucket, key),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Wrap wraps an existing error with additional context, preserving its code
// and status if it is already an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Is reports whether err is an AppError with the given code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return Is(err, ErrCodeNotFound) }

// IsEtagConflict reports whether err is an internal optimistic-concurrency
// conflict.
func IsEtagConflict(err error) bool { return Is(err, ErrCodeEtagConflict) }

// HTTPStatus returns the HTTP status code for an error, defaulting to 500
// for anything that is not an AppError.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
