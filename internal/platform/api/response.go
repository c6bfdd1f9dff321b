// Package api carries the shared HTTP response envelopes.
package api

import (
	"time"

	"github.com/labstack/echo/v4"
)

// ErrorBody is the structured error envelope every endpoint returns on
// failure. Stack traces never leak through it.
type ErrorBody struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Error     string      `json:"error"`
	Details   interface{} `json:"details,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Error writes the structured error envelope.
func Error(c echo.Context, status int, code, message string) error {
	return ErrorWithDetails(c, status, code, message, nil)
}

// ErrorWithDetails writes the structured error envelope with a details
// payload.
func ErrorWithDetails(c echo.Context, status int, code, message string, details interface{}) error {
	return c.JSON(status, ErrorBody{
		Message:   message,
		Error:     code,
		Details:   details,
		Timestamp: time.Now().UTC(),
	})
}

// Common error codes.
const (
	CodeInvalidInput = "INVALID_INPUT"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeInternal     = "INTERNAL_ERROR"
	CodeUnavailable  = "DEPENDENCY_UNAVAILABLE"
)
