// Package apperrors provides the coordinator's error taxonomy.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants.
const (
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeBadRequest             = "BAD_REQUEST"
	ErrCodeValidationError        = "VALIDATION_ERROR"
	ErrCodeConflict               = "CONFLICT"
	ErrCodeAlreadyBound           = "ALREADY_BOUND"
	ErrCodeActiveRunExists        = "ACTIVE_RUN_EXISTS"
	ErrCodeNoMatchingRunner       = "NO_MATCHING_RUNNER"
	ErrCodeRunnerLost             = "RUNNER_LOST"
	ErrCodeOutputSchemaValidation = "OUTPUT_SCHEMA_VALIDATION_ERROR"
	ErrCodeInternalError          = "INTERNAL_ERROR"
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

// NotFound creates a new not found error for a resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// AlreadyBound creates the error returned when a session's executor identity
// is bound a second time, whatever the value of the second bind.
func AlreadyBound(sessionID string) *AppError {
	return &AppError{
		Code:       ErrCodeAlreadyBound,
		Message:    fmt.Sprintf("session '%s' is already bound to an executor session", sessionID),
		HTTPStatus: http.StatusConflict,
	}
}

// ActiveRunExists creates the error returned when a run is requested for a
// session that already has a non-terminal run.
func ActiveRunExists(sessionID string) *AppError {
	return &AppError{
		Code:       ErrCodeActiveRunExists,
		Message:    fmt.Sprintf("session '%s' already has an active run", sessionID),
		HTTPStatus: http.StatusConflict,
	}
}

// NoMatchingRunner creates the error recorded when a run's no-match TTL
// expires without a runner satisfying its demands.
func NoMatchingRunner(runID string) *AppError {
	return &AppError{
		Code:       ErrCodeNoMatchingRunner,
		Message:    fmt.Sprintf("no runner matched the demands for run '%s' before the wait expired", runID),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// RunnerLost creates the error recorded when a runner holding a claimed run
// is removed before reporting completion. A runner that is only stale keeps
// its runs.
func RunnerLost(runID, runnerID string) *AppError {
	return &AppError{
		Code:       ErrCodeRunnerLost,
		Message:    fmt.Sprintf("runner '%s' was lost while holding run '%s'", runnerID, runID),
		HTTPStatus: http.StatusGone,
	}
}

// OutputSchemaValidationError creates the error returned when a run's
// completion payload fails its blueprint's output JSON Schema.
func OutputSchemaValidationError(runID string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeOutputSchemaValidation,
		Message:    fmt.Sprintf("completion payload for run '%s' failed output schema validation", runID),
		HTTPStatus: http.StatusBadRequest,
		Err:        err,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
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

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsConflict checks if the error is any of the conflict-class errors.
func IsConflict(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case ErrCodeConflict, ErrCodeAlreadyBound, ErrCodeActiveRunExists:
			return true
		}
	}
	return false
}

// IsActiveRunExists checks specifically for the active-run-exists error,
// as opposed to the broader conflict class IsConflict covers.
func IsActiveRunExists(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeActiveRunExists
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
