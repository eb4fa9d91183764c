// Package errors defines the application error taxonomy shared by the
// supervisor core and the HTTP surface.
//
// Every error that crosses a component boundary carries a stable Code so the
// server layer can render a consistent JSON envelope and callers can branch
// without string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error identifier.
type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"
	CodeAlreadyRunning     Code = "ALREADY_RUNNING"
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeSpawnFailure       Code = "SPAWN_FAILURE"
	CodeProcessFailure     Code = "PROCESS_FAILURE"
	CodePersistenceFailure Code = "PERSISTENCE_FAILURE"
	CodeMethodNotAllowed   Code = "METHOD_NOT_ALLOWED"
	CodeInternal           Code = "INTERNAL"
)

// AppError is the concrete error type produced across the module.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with no wrapped cause.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates an AppError with a formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an AppError around an underlying cause.
func Wrap(code Code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the Code from err, or CodeInternal when err is not an
// AppError.
func CodeOf(err error) Code {
	var app *AppError
	if errors.As(err, &app) {
		return app.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error to the HTTP status the server layer should emit.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyRunning, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the JSON envelope rendered for request failures.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// HTTPErrorDetail carries the stable code and human-readable message.
type HTTPErrorDetail struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// ToHTTPResponse builds the envelope for err.
func ToHTTPResponse(err error) HTTPErrorResponse {
	var app *AppError
	if errors.As(err, &app) {
		return HTTPErrorResponse{Error: HTTPErrorDetail{Code: app.Code, Message: app.Error()}}
	}
	return HTTPErrorResponse{Error: HTTPErrorDetail{Code: CodeInternal, Message: err.Error()}}
}
