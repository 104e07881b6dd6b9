package resilience

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"syscall"

	"github.com/NikhilSetiya/storyforge/pkg/errors"
)

// Classification is the verdict a Classifier gives on a failed attempt
type Classification int

const (
	// Retryable failures are retried while attempts remain
	Retryable Classification = iota
	// Fatal failures stop the retrier immediately
	Fatal
)

func (c Classification) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "fatal"
}

// Classifier decides whether a failure is worth another attempt
type Classifier func(error) Classification

// DefaultClassifier retries AppErrors whose type is in categories and the
// transport failures an HTTP call can hit: timeouts, refused or reset
// connections, truncated responses. Cancellation and everything else is fatal.
func DefaultClassifier(categories []errors.ErrorType) Classifier {
	p := Policy{RetryableCategories: categories}
	return func(err error) Classification {
		if err == nil {
			return Fatal
		}
		if stderrors.Is(err, context.Canceled) {
			return Fatal
		}
		if appErr, ok := errors.As(err); ok {
			if p.retryable(appErr.Type) {
				return Retryable
			}
			return Fatal
		}
		if IsTransientNetworkError(err) {
			return Retryable
		}
		return Fatal
	}
}

// IsTransientNetworkError reports failures that usually clear up on their own
func IsTransientNetworkError(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if stderrors.Is(err, io.ErrUnexpectedEOF) || stderrors.Is(err, io.EOF) {
		return true
	}
	if stderrors.Is(err, syscall.ECONNREFUSED) || stderrors.Is(err, syscall.ECONNRESET) || stderrors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return stderrors.As(err, &opErr)
}
