package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/storyforge/internal/middleware"
	"github.com/NikhilSetiya/storyforge/pkg/errors"
	"github.com/NikhilSetiya/storyforge/pkg/resilience"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Meta      *Meta       `json:"meta,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents an API error with details
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Meta represents response metadata
type Meta struct {
	Count     int       `json:"count"`
	Limit     int       `json:"limit"`
	Timestamp time.Time `json:"timestamp"`
}

func respond(c *gin.Context, status int, response APIResponse) {
	response.RequestID = middleware.CorrelationID(c)
	response.Timestamp = time.Now()
	c.JSON(status, response)
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	respond(c, http.StatusOK, APIResponse{Success: true, Data: data})
}

// SuccessResponseWithMeta sends a successful response with metadata
func SuccessResponseWithMeta(c *gin.Context, data interface{}, meta *Meta) {
	if meta != nil {
		meta.Timestamp = time.Now()
	}
	respond(c, http.StatusOK, APIResponse{Success: true, Data: data, Meta: meta})
}

// CreatedResponse sends a 201 Created response
func CreatedResponse(c *gin.Context, data interface{}) {
	respond(c, http.StatusCreated, APIResponse{Success: true, Data: data})
}

// ErrorResponse sends an error envelope with the given status
func ErrorResponse(c *gin.Context, status int, code, message string, details map[string]interface{}) {
	respond(c, status, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// ErrorResponseFromError sends an error response based on the error type.
// Retry outcomes are unwrapped to the last provider failure.
func ErrorResponseFromError(c *gin.Context, err error) {
	appErr, ok := errors.As(err)
	if !ok {
		switch resilience.OutcomeOf(err) {
		case resilience.OutcomeCancelled:
			ErrorResponse(c, http.StatusServiceUnavailable, "REQUEST_CANCELLED", "Request was cancelled", nil)
			return
		case resilience.OutcomeExhausted:
			ErrorResponse(c, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Upstream service unavailable", map[string]interface{}{
				"attempts": resilience.AttemptsOf(err),
			})
			return
		}
		ErrorResponse(c, http.StatusInternalServerError, "UNKNOWN_ERROR", "An unknown error occurred", nil)
		return
	}

	var statusCode int
	switch appErr.Type {
	case errors.ErrorTypeValidation:
		statusCode = http.StatusBadRequest
	case errors.ErrorTypeAuthentication, errors.ErrorTypeAuthorization:
		// Credential problems with the upstream are ours, not the caller's
		statusCode = http.StatusBadGateway
	case errors.ErrorTypeNotFound:
		statusCode = http.StatusNotFound
	case errors.ErrorTypeConflict:
		statusCode = http.StatusConflict
	case errors.ErrorTypeRateLimit, errors.ErrorTypeExternal:
		statusCode = http.StatusServiceUnavailable
	case errors.ErrorTypeTimeout:
		statusCode = http.StatusGatewayTimeout
	default:
		statusCode = http.StatusInternalServerError
	}

	var details map[string]interface{}
	if len(appErr.Details) > 0 {
		details = make(map[string]interface{}, len(appErr.Details)+1)
		for k, v := range appErr.Details {
			details[k] = v
		}
	}
	if attempts := resilience.AttemptsOf(err); attempts > 0 {
		if details == nil {
			details = make(map[string]interface{}, 1)
		}
		details["attempts"] = attempts
	}

	ErrorResponse(c, statusCode, appErr.Code, appErr.Message, details)
}

// BadRequestResponse sends a 400 Bad Request response
func BadRequestResponse(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusBadRequest, "BAD_REQUEST", message, nil)
}

// ValidationErrorResponse sends a 400 Bad Request response with validation details
func ValidationErrorResponse(c *gin.Context, message string, details map[string]interface{}) {
	ErrorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", message, details)
}

// InternalErrorResponse sends a 500 Internal Server Error response
func InternalErrorResponse(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", message, nil)
}

// TooManyRequestsResponse sends a 429 Too Many Requests response
func TooManyRequestsResponse(c *gin.Context, message string, details map[string]interface{}) {
	ErrorResponse(c, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", message, details)
}
