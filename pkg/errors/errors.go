package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies mesh failures
type ErrorCode string

const (
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrCodeIdentityCollision ErrorCode = "IDENTITY_COLLISION"
	ErrCodeTransport         ErrorCode = "TRANSPORT"
	ErrCodePeerUnavailable   ErrorCode = "PEER_UNAVAILABLE"
	ErrCodeMeshLimit         ErrorCode = "MESH_LIMIT"
	ErrCodeMediaNegotiation  ErrorCode = "MEDIA_NEGOTIATION"
	ErrCodeNotConnected      ErrorCode = "NOT_CONNECTED"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// AppError represents a mesh error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotConnectedError(peer string) *AppError {
	return NewAppError(ErrCodeNotConnected, fmt.Sprintf("no connection with %s", peer), http.StatusNotFound).
		WithContext("peer_id", peer)
}

func NewMeshLimitError(cause error, limit int) *AppError {
	return WrapError(cause, ErrCodeMeshLimit, fmt.Sprintf("mesh limit exceeded try again later (limit %d)", limit), http.StatusServiceUnavailable).
		WithContext("limit", limit)
}

func NewIdentityCollisionError(err error, collisions int) *AppError {
	return WrapError(err, ErrCodeIdentityCollision, "no free identity on the rendezvous", http.StatusConflict).
		WithContext("collisions", collisions)
}

func NewTransportError(err error) *AppError {
	return WrapError(err, ErrCodeTransport, "transport failure", http.StatusBadGateway)
}

func NewPeerUnavailableError(peer string, err error) *AppError {
	return WrapError(err, ErrCodePeerUnavailable, fmt.Sprintf("peer %s unavailable", peer), http.StatusNotFound).
		WithContext("peer_id", peer)
}

func NewMediaNegotiationError(message string) *AppError {
	return NewAppError(ErrCodeMediaNegotiation, message, http.StatusConflict)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeInternal
}
