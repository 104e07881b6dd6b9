package resilience

import (
	stderrors "errors"
	"fmt"
)

// Outcome labels how an Execute call ended
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFatal     Outcome = "fatal"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeCancelled Outcome = "cancelled"
)

// ExhaustedError is returned when every attempt failed with a retryable error
type ExhaustedError struct {
	Attempts      int
	CorrelationID string
	Last          error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts (correlation_id=%s): %v", e.Attempts, e.CorrelationID, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// FatalError is returned when the classifier refused to retry a failure
type FatalError struct {
	Attempt       int
	CorrelationID string
	Err           error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("operation failed with non-retryable error on attempt %d (correlation_id=%s): %v", e.Attempt, e.CorrelationID, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// CancelledError is returned when the caller's context ended before a retry
// could run. It unwraps to both the context error and the last failure.
type CancelledError struct {
	Attempts      int
	CorrelationID string
	Err           error
	Last          error
}

func (e *CancelledError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("operation cancelled after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("operation cancelled after %d attempts: %v (last error: %v)", e.Attempts, e.Err, e.Last)
}

func (e *CancelledError) Unwrap() []error {
	if e.Last == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Last}
}

// OutcomeOf maps an error returned by Execute to its Outcome
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeSucceeded
	}
	var exhausted *ExhaustedError
	if stderrors.As(err, &exhausted) {
		return OutcomeExhausted
	}
	var cancelled *CancelledError
	if stderrors.As(err, &cancelled) {
		return OutcomeCancelled
	}
	return OutcomeFatal
}

// AttemptsOf reports how many attempts ran before err was returned, or 0 when
// err did not come from a Retrier.
func AttemptsOf(err error) int {
	var exhausted *ExhaustedError
	if stderrors.As(err, &exhausted) {
		return exhausted.Attempts
	}
	var cancelled *CancelledError
	if stderrors.As(err, &cancelled) {
		return cancelled.Attempts
	}
	var fatal *FatalError
	if stderrors.As(err, &fatal) {
		return fatal.Attempt
	}
	return 0
}
