package errors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeInvalidState       ErrorCode = "INVALID_STATE"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeSessionUnavailable ErrorCode = "SESSION_UNAVAILABLE"
)

// AppError is an error that knows how it is presented to API clients.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Retryable  bool
	Cause      error
	Context    map[string]interface{}
}

// Body is the JSON shape of an AppError in HTTP responses.
type Body struct {
	Error     ErrorCode              `json:"error"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable bool                   `json:"retryable,omitempty"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a detail that is returned to the client.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

// Body never includes the cause; causes stay in server logs.
func (e *AppError) Body() Body {
	b := Body{Error: e.Code, Message: e.Message, Retryable: e.Retryable}
	if len(e.Context) > 0 {
		b.Details = e.Context
	}
	return b
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewForbiddenError(message string) *AppError {
	return NewAppError(ErrCodeForbidden, message, http.StatusForbidden)
}

// NewInvalidStateError reports an operation the session's current state
// does not allow, such as joining an ended or full call.
func NewInvalidStateError(message string) *AppError {
	return NewAppError(ErrCodeInvalidState, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	e := NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
	e.Retryable = true
	return e
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	e := NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
	e.Retryable = true
	return e
}

// NewSessionUnavailableError is returned when a call session could not be
// created or loaded for reasons other than a lost creation race.
func NewSessionUnavailableError(cause error) *AppError {
	e := NewAppError(ErrCodeSessionUnavailable, "call session temporarily unavailable", http.StatusServiceUnavailable)
	e.Retryable = true
	e.Cause = cause
	return e
}

// GetAppError extracts an AppError from the chain of err.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
