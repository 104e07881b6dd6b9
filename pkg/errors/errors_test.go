package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProviderError(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantType ErrorType
		wantCode string
	}{
		{"unauthorized", 401, ErrorTypeAuthentication, "PROVIDER_AUTH"},
		{"forbidden", 403, ErrorTypeAuthorization, "PROVIDER_FORBIDDEN"},
		{"request timeout", 408, ErrorTypeTimeout, "PROVIDER_TIMEOUT"},
		{"too many requests", 429, ErrorTypeRateLimit, "PROVIDER_RATE_LIMIT"},
		{"bad gateway", 502, ErrorTypeExternal, "PROVIDER_UNAVAILABLE"},
		{"unprocessable", 422, ErrorTypeValidation, "PROVIDER_BAD_REQUEST"},
		{"odd status", 302, ErrorTypeExternal, "PROVIDER_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewProviderError("openai", tt.status, "body")
			assert.Equal(t, tt.wantType, err.Type)
			assert.Equal(t, tt.wantCode, err.Code)
			assert.Equal(t, "openai", err.Details["service"])
			assert.Equal(t, fmt.Sprint(tt.status), err.Details["status"])
			assert.Equal(t, "body", err.Details["provider_message"])
		})
	}
}

func TestIsType_Wrapped(t *testing.T) {
	base := NewTimeoutError("completion")
	wrapped := fmt.Errorf("calling provider: %w", base)

	assert.True(t, IsType(wrapped, ErrorTypeTimeout))
	assert.False(t, IsType(wrapped, ErrorTypeValidation))
	assert.Equal(t, "TIMEOUT", GetCode(wrapped))
	assert.Equal(t, ErrorTypeTimeout, GetType(wrapped))

	assert.Equal(t, "UNKNOWN_ERROR", GetCode(fmt.Errorf("plain")))
	assert.Equal(t, ErrorTypeInternal, GetType(fmt.Errorf("plain")))
}

func TestAppError_ErrorAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := NewExternalError("openai", "upstream failed").WithCause(cause).WithCorrelationID("abc")

	assert.Equal(t, "EXTERNAL_SERVICE_ERROR: upstream failed (caused by: connection reset)", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "abc", err.CorrelationID)

	got, ok := As(fmt.Errorf("wrap: %w", err))
	require.True(t, ok)
	assert.Same(t, err, got)
}
