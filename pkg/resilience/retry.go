package resilience

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/NikhilSetiya/storyforge/internal/backoff"
	"github.com/NikhilSetiya/storyforge/pkg/correlation"
	"github.com/NikhilSetiya/storyforge/pkg/errors"
	"github.com/NikhilSetiya/storyforge/pkg/logging"
)

// Attempt describes one failed call made by a Retrier
type Attempt struct {
	// Number is 1-based
	Number int
	Err    error
	// Delay is the wait before the next attempt, zero when none follows
	Delay         time.Duration
	CorrelationID string
}

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// Observer receives attempt and outcome events, typically for metrics
type Observer interface {
	ObserveAttempt(name string, classification Classification)
	ObserveOutcome(name string, outcome Outcome, attempts int)
}

// Retrier runs an operation under a Policy
type Retrier struct {
	name     string
	policy   Policy
	classify Classifier
	jitter   backoff.Strategy
	sleep    Sleeper
	onRetry  func(Attempt)
	observer Observer
	tracer   trace.Tracer
	logger   *logging.Logger
}

// Option customizes a Retrier
type Option func(*Retrier)

// WithName labels the retrier in logs, spans and metrics
func WithName(name string) Option {
	return func(r *Retrier) { r.name = name }
}

// WithSleeper replaces the timer based wait
func WithSleeper(s Sleeper) Option {
	return func(r *Retrier) { r.sleep = s }
}

// WithRandom replaces the jitter source; rnd must return values in [0, 1)
func WithRandom(rnd func() float64) Option {
	return func(r *Retrier) { r.jitter = backoff.StrategyFor(r.policy.Jitter, rnd) }
}

// WithOnRetry registers a callback invoked before each wait
func WithOnRetry(fn func(Attempt)) Option {
	return func(r *Retrier) { r.onRetry = fn }
}

// WithObserver attaches a metrics observer
func WithObserver(o Observer) Option {
	return func(r *Retrier) { r.observer = o }
}

// WithTracer sets the tracer used for per-attempt spans
func WithTracer(t trace.Tracer) Option {
	return func(r *Retrier) { r.tracer = t }
}

// WithLogger overrides the global logger
func WithLogger(l *logging.Logger) Option {
	return func(r *Retrier) { r.logger = l }
}

// NewRetrier creates a retrier. Out of range policy values are clamped the way
// the config layer would default them, and an unknown jitter mode falls back
// to none; use Policy.Validate to reject them instead. A nil classifier uses DefaultClassifier with the policy's categories.
func NewRetrier(policy Policy, classify Classifier, opts ...Option) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay < 0 {
		policy.BaseDelay = 0
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 2.0
	}
	if j, err := backoff.ParseJitter(string(policy.Jitter)); err == nil {
		policy.Jitter = j
	} else {
		policy.Jitter = JitterNone
	}
	policy.RetryableCategories = append([]errors.ErrorType(nil), policy.RetryableCategories...)
	if classify == nil {
		classify = DefaultClassifier(policy.RetryableCategories)
	}

	r := &Retrier{
		name:     "default",
		policy:   policy,
		classify: classify,
		jitter:   backoff.StrategyFor(policy.Jitter, nil),
		sleep:    sleepContext,
		tracer:   otel.Tracer("github.com/NikhilSetiya/storyforge/pkg/resilience"),
		logger:   logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the retrier's policy
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Stats returns the configured policy for diagnostic endpoints
func (r *Retrier) Stats() PolicyDescriptor {
	return r.policy.describe(r.name)
}

// Execute runs operation until it succeeds, fails fatally, runs out of
// attempts or ctx ends. Failures come back as *FatalError, *ExhaustedError or
// *CancelledError.
func (r *Retrier) Execute(ctx context.Context, operation func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return r.cancelled(ctx, attempt-1, err, lastErr)
		}

		err := r.runAttempt(ctx, attempt, operation)
		if err == nil {
			if attempt > 1 {
				r.logger.WithContext(ctx).WithFields(map[string]interface{}{
					"retrier":  r.name,
					"attempt":  attempt,
					"attempts": r.policy.MaxAttempts,
				}).Info("Operation succeeded after retry")
			}
			r.observeOutcome(OutcomeSucceeded, attempt)
			return nil
		}
		lastErr = err

		// A failure caused by the caller going away is not the downstream's fault.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return r.cancelled(ctx, attempt, ctxErr, lastErr)
		}

		id, _ := correlation.Current(ctx)
		verdict := r.classify(err)
		r.observeAttempt(verdict)

		if verdict == Fatal {
			r.logger.WithContext(ctx).WithFields(map[string]interface{}{
				"retrier": r.name,
				"error":   err.Error(),
				"attempt": attempt,
			}).Debug("Error is not retryable, stopping")
			r.observeOutcome(OutcomeFatal, attempt)
			return &FatalError{Attempt: attempt, CorrelationID: id, Err: err}
		}

		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.jitter.Apply(r.policy.Delay(attempt))
		r.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"retrier":      r.name,
			"error":        err.Error(),
			"attempt":      attempt,
			"max_attempts": r.policy.MaxAttempts,
			"delay_ms":     delay.Milliseconds(),
		}).Debug("Operation failed, retrying")

		if r.onRetry != nil {
			r.onRetry(Attempt{Number: attempt, Err: err, Delay: delay, CorrelationID: id})
		}

		if err := r.sleep(ctx, delay); err != nil {
			return r.cancelled(ctx, attempt, err, lastErr)
		}
	}

	id, _ := correlation.Current(ctx)
	r.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"retrier":  r.name,
		"error":    lastErr.Error(),
		"attempts": r.policy.MaxAttempts,
	}).Error("Operation failed after all retry attempts")
	r.observeOutcome(OutcomeExhausted, r.policy.MaxAttempts)

	return &ExhaustedError{Attempts: r.policy.MaxAttempts, CorrelationID: id, Last: lastErr}
}

// Do runs operation through r and returns its result
func Do[T any](ctx context.Context, r *Retrier, operation func(context.Context) (T, error)) (T, error) {
	var result T
	err := r.Execute(ctx, func(ctx context.Context) error {
		v, err := operation(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (r *Retrier) runAttempt(ctx context.Context, attempt int, operation func(context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, r.name+".attempt", trace.WithAttributes(
		attribute.Int("retry.attempt", attempt),
		attribute.Int("retry.max_attempts", r.policy.MaxAttempts),
	))
	defer span.End()

	if id, ok := correlation.Current(ctx); ok {
		span.SetAttributes(attribute.String("correlation.id", id))
	}

	err := operation(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Retrier) cancelled(ctx context.Context, attempts int, ctxErr, lastErr error) error {
	id, _ := correlation.Current(ctx)
	r.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"retrier":  r.name,
		"attempts": attempts,
		"reason":   ctxErr.Error(),
	}).Warn("Operation cancelled")
	r.observeOutcome(OutcomeCancelled, attempts)
	return &CancelledError{Attempts: attempts, CorrelationID: id, Err: ctxErr, Last: lastErr}
}

func (r *Retrier) observeAttempt(c Classification) {
	if r.observer != nil {
		r.observer.ObserveAttempt(r.name, c)
	}
}

func (r *Retrier) observeOutcome(o Outcome, attempts int) {
	if r.observer != nil {
		r.observer.ObserveOutcome(r.name, o, attempts)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
