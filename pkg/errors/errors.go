package errors

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"time"
)

// ErrorType represents the category of an error
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeAuthorization  ErrorType = "authorization"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeConflict       ErrorType = "conflict"
	ErrorTypeRateLimit      ErrorType = "rate_limit"
	ErrorTypeInternal       ErrorType = "internal"
	ErrorTypeExternal       ErrorType = "external"
	ErrorTypeTimeout        ErrorType = "timeout"
)

// TransientTypes are the categories that describe a downstream hiccup rather
// than a problem with the request itself.
var TransientTypes = []ErrorType{
	ErrorTypeTimeout,
	ErrorTypeExternal,
	ErrorTypeRateLimit,
}

// AppError represents an application error with context
type AppError struct {
	Type          ErrorType         `json:"type"`
	Code          string            `json:"code"`
	Message       string            `json:"message"`
	Details       map[string]string `json:"details,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Cause         error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithCorrelationID stamps the correlation id of the request that produced the error
func (e *AppError) WithCorrelationID(id string) *AppError {
	e.CorrelationID = id
	return e
}

func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewAuthenticationError(message string) *AppError {
	return NewAppError(ErrorTypeAuthentication, "AUTHENTICATION_ERROR", message)
}

func NewAuthorizationError(message string) *AppError {
	return NewAppError(ErrorTypeAuthorization, "AUTHORIZATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewRateLimitError(message string) *AppError {
	return NewAppError(ErrorTypeRateLimit, "RATE_LIMIT_EXCEEDED", message)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

func NewExternalError(service, message string) *AppError {
	return NewAppError(ErrorTypeExternal, "EXTERNAL_SERVICE_ERROR", message).
		WithDetail("service", service)
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

// NewProviderError maps an AI provider HTTP status onto the error taxonomy.
// 429 and 5xx are transient, 401/403 are auth failures, any other 4xx is a
// request the provider will never accept.
func NewProviderError(provider string, status int, message string) *AppError {
	var e *AppError
	switch {
	case status == 401:
		e = NewAppError(ErrorTypeAuthentication, "PROVIDER_AUTH", "provider authentication failed")
	case status == 403:
		e = NewAppError(ErrorTypeAuthorization, "PROVIDER_FORBIDDEN", "provider denied access")
	case status == 408:
		e = NewAppError(ErrorTypeTimeout, "PROVIDER_TIMEOUT", "provider request timed out")
	case status == 429:
		e = NewAppError(ErrorTypeRateLimit, "PROVIDER_RATE_LIMIT", "provider rate limited")
	case status >= 500 && status <= 599:
		e = NewAppError(ErrorTypeExternal, "PROVIDER_UNAVAILABLE", "provider unavailable")
	case status >= 400 && status <= 499:
		e = NewAppError(ErrorTypeValidation, "PROVIDER_BAD_REQUEST", "provider rejected request")
	default:
		e = NewAppError(ErrorTypeExternal, "PROVIDER_ERROR", "provider request failed")
	}
	e.WithDetail("service", provider).WithDetail("status", strconv.Itoa(status))
	if message != "" {
		e.WithDetail("provider_message", message)
	}
	return e
}

// As reports the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType checks if the error chain contains an AppError of a specific type
func IsType(err error, errorType ErrorType) bool {
	if appErr, ok := As(err); ok {
		return appErr.Type == errorType
	}
	return false
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	if appErr, ok := As(err); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}
