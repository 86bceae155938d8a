// Package errors provides structured error handling with context
// propagation, wire-reply formatting for the chat protocol, and HTTP
// status mapping for the admin API.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of error for metrics and response formatting.
type ErrorType string

const (
	// TypeProtocol indicates a malformed or truncated frame. Partial data
	// is buffered and retried, never fatal to the connection.
	TypeProtocol ErrorType = "protocol"
	// TypeValidation indicates missing or invalid message fields; the
	// connection stays open.
	TypeValidation ErrorType = "validation"
	// TypeAuthRequired indicates a protected action before authentication.
	TypeAuthRequired ErrorType = "auth_required"
	// TypeNotFound indicates a referenced user, room or server is absent.
	TypeNotFound ErrorType = "not_found"
	// TypeCapacity indicates no eligible fleet server; callers surface it
	// upward instead of retrying.
	TypeCapacity ErrorType = "capacity"
	// TypeCollaborator indicates a persistence or lookup collaborator
	// failure; operations degrade to best-effort.
	TypeCollaborator ErrorType = "collaborator"
	// TypeInternal indicates an unexpected server-side error.
	TypeInternal ErrorType = "internal"
)

// Error represents a structured error with type, message, and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the appropriate HTTP status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeProtocol, TypeValidation:
		return http.StatusBadRequest
	case TypeAuthRequired:
		return http.StatusUnauthorized
	case TypeNotFound:
		return http.StatusNotFound
	case TypeCapacity:
		return http.StatusServiceUnavailable
	case TypeCollaborator:
		return http.StatusBadGateway
	case TypeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ProtocolError creates a new protocol error.
func ProtocolError(message string) *Error {
	return &Error{Type: TypeProtocol, Message: message, Context: make(map[string]any)}
}

// ValidationError creates a new validation error.
func ValidationError(message string) *Error {
	return &Error{Type: TypeValidation, Message: message, Context: make(map[string]any)}
}

// AuthRequiredError creates a new auth-required error.
func AuthRequiredError(message string) *Error {
	return &Error{Type: TypeAuthRequired, Message: message, Context: make(map[string]any)}
}

// NotFoundError creates a new not-found error.
func NotFoundError(message string) *Error {
	return &Error{Type: TypeNotFound, Message: message, Context: make(map[string]any)}
}

// CapacityError creates a new capacity-exhaustion error.
func CapacityError(message string) *Error {
	return &Error{Type: TypeCapacity, Message: message, Context: make(map[string]any)}
}

// CollaboratorError creates a new collaborator-failure error.
func CollaboratorError(message string, cause error) *Error {
	return &Error{Type: TypeCollaborator, Message: message, Cause: cause, Context: make(map[string]any)}
}

// InternalError creates a new internal error.
func InternalError(message string, cause error) *Error {
	return &Error{Type: TypeInternal, Message: message, Cause: cause, Context: make(map[string]any)}
}

// WithContext adds context fields to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ToReply converts an Error to the chat-protocol error reply payload
// sent over the socket: {"type":"error","message":...}.
func (e *Error) ToReply() []byte {
	data, err := json.Marshal(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{Type: "error", Message: e.Message})
	if err != nil {
		// A string pair cannot fail to marshal.
		panic(err)
	}
	return data
}

// ErrorResponse represents the JSON structure sent to admin API clients.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

// ToResponse converts an Error to an ErrorResponse for JSON serialization.
func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{Error: e.Message, Type: e.Type, Context: e.Context}
}

// AsStructuredError converts any error into a structured Error.
// If err is already an *Error, returns it unchanged.
// Otherwise wraps it as an internal error.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	return InternalError("internal server error", err)
}
