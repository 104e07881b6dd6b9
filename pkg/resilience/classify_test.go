package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	appErrors "github.com/NikhilSetiya/storyforge/pkg/errors"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestDefaultClassifier(t *testing.T) {
	classify := DefaultClassifier(appErrors.TransientTypes)

	tests := []struct {
		name string
		err  error
		want Classification
	}{
		{"nil error", nil, Fatal},
		{"timeout app error", appErrors.NewTimeoutError("completion"), Retryable},
		{"external app error", appErrors.NewExternalError("openai", "502"), Retryable},
		{"downstream 429", appErrors.NewProviderError("openai", 429, ""), Retryable},
		{"downstream 503", appErrors.NewProviderError("openai", 503, ""), Retryable},
		{"downstream 401", appErrors.NewProviderError("openai", 401, ""), Fatal},
		{"downstream 400", appErrors.NewProviderError("openai", 400, ""), Fatal},
		{"validation", appErrors.NewValidationError("bad"), Fatal},
		{"internal", appErrors.NewInternalError("bug"), Fatal},
		{"wrapped timeout", fmt.Errorf("call: %w", appErrors.NewTimeoutError("x")), Retryable},
		{"canceled", context.Canceled, Fatal},
		{"deadline", context.DeadlineExceeded, Retryable},
		{"net timeout", timeoutErr{}, Retryable},
		{"connection refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, Retryable},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), Retryable},
		{"unexpected eof", io.ErrUnexpectedEOF, Retryable},
		{"plain error", errors.New("decode failed"), Fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}

func TestDefaultClassifier_CategoriesAreConfigurable(t *testing.T) {
	classify := DefaultClassifier([]appErrors.ErrorType{appErrors.ErrorTypeTimeout})

	assert.Equal(t, Retryable, classify(appErrors.NewTimeoutError("x")))
	assert.Equal(t, Fatal, classify(appErrors.NewRateLimitError("x")))
}

func TestClassificationString(t *testing.T) {
	assert.Equal(t, "retryable", Retryable.String())
	assert.Equal(t, "fatal", Fatal.String())
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Policy)
		wantErr bool
	}{
		{"default is valid", func(p *Policy) {}, false},
		{"zero attempts", func(p *Policy) { p.MaxAttempts = 0 }, true},
		{"negative base", func(p *Policy) { p.BaseDelay = -time.Millisecond }, true},
		{"max below base", func(p *Policy) { p.MaxDelay = p.BaseDelay / 2 }, true},
		{"shrinking multiplier", func(p *Policy) { p.Multiplier = 0.5 }, true},
		{"unknown jitter", func(p *Policy) { p.Jitter = "decorrelated" }, true},
		{"constant backoff", func(p *Policy) { p.Multiplier = 1 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPolicy_MaxTotalDelay(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}
	// 100 + 200 + 300 + 300
	assert.Equal(t, 900*time.Millisecond, p.MaxTotalDelay())

	p.MaxAttempts = 1
	assert.Equal(t, time.Duration(0), p.MaxTotalDelay())
}
