package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType defines the type of error
type ErrorType string

const (
	// ErrorTypeValidation represents a validation error
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeNotFound represents a not found error
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeConflict represents a conflict error
	ErrorTypeConflict ErrorType = "conflict"

	// ErrorTypeUnavailable represents a dependency that is shut down or not ready
	ErrorTypeUnavailable ErrorType = "unavailable"

	// ErrorTypeInternal represents an internal server error
	ErrorTypeInternal ErrorType = "internal"

	// ErrorTypeTimeout represents a timeout error
	ErrorTypeTimeout ErrorType = "timeout"
)

// APIError represents a standardized API error
type APIError struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	HTTPCode  int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Code, e.Message)
}

// WithDetails adds details to the error
func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

// WithRequestID adds a request ID to the error
func (e *APIError) WithRequestID(requestID string) *APIError {
	e.RequestID = requestID
	return e
}

func newError(typ ErrorType, status int, code, message string) *APIError {
	return &APIError{Type: typ, Code: code, Message: message, HTTPCode: status}
}

// ValidationError creates a new validation error
func ValidationError(code string, message string) *APIError {
	return newError(ErrorTypeValidation, http.StatusBadRequest, code, message)
}

// NotFoundError creates a new not found error
func NotFoundError(code string, message string) *APIError {
	return newError(ErrorTypeNotFound, http.StatusNotFound, code, message)
}

// ConflictError creates a new conflict error
func ConflictError(code string, message string) *APIError {
	return newError(ErrorTypeConflict, http.StatusConflict, code, message)
}

// UnavailableError creates a new service unavailable error
func UnavailableError(code string, message string) *APIError {
	return newError(ErrorTypeUnavailable, http.StatusServiceUnavailable, code, message)
}

// InternalError creates a new internal server error
func InternalError(code string, message string) *APIError {
	return newError(ErrorTypeInternal, http.StatusInternalServerError, code, message)
}

// TimeoutError creates a new timeout error
func TimeoutError(code string, message string) *APIError {
	return newError(ErrorTypeTimeout, http.StatusGatewayTimeout, code, message)
}

// Rule maps a sentinel error from a lower layer onto an API error
type Rule struct {
	Target error
	Build  func(code string, message string) *APIError
	Code   string
}

// Map returns a rule for target
func Map(target error, build func(code string, message string) *APIError, code string) Rule {
	return Rule{Target: target, Build: build, Code: code}
}

// FromError creates an API error from a Go error. APIErrors pass through
// unchanged; otherwise the first rule whose target matches errors.Is wins and
// anything left is an internal error.
func FromError(err error, rules ...Rule) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}

	for _, rule := range rules {
		if stderrors.Is(err, rule.Target) {
			return rule.Build(rule.Code, err.Error())
		}
	}

	return InternalError("internal_error", err.Error())
}
