// Package apperr defines the closed error taxonomy shared by the HTTP layer
// and the terminal WebSocket. Every failure that crosses a component boundary
// is normalized to an *Error here so that clients can branch on a stable code
// regardless of which transport delivered it.
package apperr

import (
	"errors"
	"net/http"
)

// Code identifies one member of the closed error taxonomy.
type Code string

const (
	CodeClaudeNotFound   Code = "CLAUDE_NOT_FOUND"
	CodeExerciseNotFound Code = "EXERCISE_NOT_FOUND"
	CodeDownloadFailed   Code = "DOWNLOAD_FAILED"
	CodeDownloadTimeout  Code = "DOWNLOAD_TIMEOUT"
	CodeExtractionFailed Code = "EXTRACTION_FAILED"
	CodePTYSpawnFailed   Code = "PTY_SPAWN_FAILED"
	CodePTYExited        Code = "PTY_EXITED"
	CodeSessionNotFound  Code = "SESSION_NOT_FOUND"
	CodeInvalidRequest   Code = "INVALID_REQUEST"
)

// Error is a tagged application error. It is constructed at the point of
// failure and serialized identically into HTTP error bodies and WebSocket
// error frames.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	// Action is an optional suggested next step for the user
	// (e.g. install instructions, "retry", "restart the session").
	Action string `json:"action,omitempty"`
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithAction creates an Error carrying a suggested next action.
func WithAction(code Code, message, action string) *Error {
	return &Error{Code: code, Message: message, Action: action}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// HTTPStatus maps every code to exactly one HTTP status. The mapping is
// total: codes outside the taxonomy (impossible by construction) map to 500.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeExerciseNotFound, CodeSessionNotFound:
		return http.StatusNotFound
	case CodeClaudeNotFound, CodeDownloadFailed, CodeDownloadTimeout,
		CodeExtractionFailed, CodePTYSpawnFailed, CodePTYExited:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// From normalizes an arbitrary error to an *Error. Errors that already carry
// a code pass through unchanged; anything else is tagged with the fallback
// code of the boundary that caught it, so a raw error type never crosses
// into the HTTP/WS layer.
func From(err error, fallback Code) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(fallback, err.Error())
}
