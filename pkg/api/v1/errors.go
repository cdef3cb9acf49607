package v1

import (
	"errors"
	"fmt"
)

// Common API errors.
var (
	ErrProjectRequired = errors.New("project_id is required")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrNotFound        = errors.New("resource not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrUnavailable     = errors.New("service unavailable")
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeInvalidRequest = "invalid_request"
	CodeUnauthorized   = "unauthorized"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeUnprocessable  = "unprocessable"
	CodeUnavailable    = "unavailable"
	CodeInternal       = "internal"
)

// ErrorResponse is the error envelope returned by every API endpoint.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface so clients can surface the envelope
// directly.
func (e *ErrorResponse) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
