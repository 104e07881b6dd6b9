package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/storyforge/pkg/correlation"
	appErrors "github.com/NikhilSetiya/storyforge/pkg/errors"
)

// recordingSleeper captures requested waits without sleeping
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) total() time.Duration {
	var sum time.Duration
	for _, d := range s.delays {
		sum += d
	}
	return sum
}

type countingObserver struct {
	mu       sync.Mutex
	verdicts []Classification
	outcome  Outcome
	attempts int
}

func (o *countingObserver) ObserveAttempt(_ string, c Classification) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.verdicts = append(o.verdicts, c)
}

func (o *countingObserver) ObserveOutcome(_ string, outcome Outcome, attempts int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcome = outcome
	o.attempts = attempts
}

func testPolicy() Policy {
	return Policy{
		MaxAttempts:         3,
		BaseDelay:           100 * time.Millisecond,
		MaxDelay:            time.Second,
		Multiplier:          2,
		Jitter:              JitterNone,
		RetryableCategories: appErrors.TransientTypes,
	}
}

func TestRetrier_SuccessOnFirstAttempt(t *testing.T) {
	sleeper := &recordingSleeper{}
	retrier := NewRetrier(testPolicy(), nil, WithSleeper(sleeper.Sleep))

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, sleeper.delays)
}

func TestRetrier_SuccessAfterRetries(t *testing.T) {
	sleeper := &recordingSleeper{}
	retrier := NewRetrier(testPolicy(), nil, WithSleeper(sleeper.Sleep))

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return appErrors.NewTimeoutError("completion")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Len(t, sleeper.delays, 2)
}

func TestRetrier_ExhaustedBoundedDelay(t *testing.T) {
	sleeper := &recordingSleeper{}
	observer := &countingObserver{}
	retrier := NewRetrier(testPolicy(), nil, WithSleeper(sleeper.Sleep), WithObserver(observer))

	ctx := correlation.Fork(context.Background())
	correlation.Install(ctx, "exhaust-id")

	attempts := 0
	err := retrier.Execute(ctx, func(ctx context.Context) error {
		attempts++
		return appErrors.NewExternalError("openai", "bad gateway")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeper.delays)
	assert.Equal(t, 300*time.Millisecond, sleeper.total())

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, "exhaust-id", exhausted.CorrelationID)
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeExternal), "last cause stays reachable")
	assert.Contains(t, err.Error(), "operation failed after 3 attempts")

	assert.Equal(t, OutcomeExhausted, OutcomeOf(err))
	assert.Equal(t, 3, AttemptsOf(err))
	assert.Equal(t, OutcomeExhausted, observer.outcome)
	assert.Equal(t, []Classification{Retryable, Retryable, Retryable}, observer.verdicts)
}

func TestRetrier_FatalShortCircuit(t *testing.T) {
	sleeper := &recordingSleeper{}
	retrier := NewRetrier(testPolicy(), func(error) Classification { return Fatal }, WithSleeper(sleeper.Sleep))

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return appErrors.NewTimeoutError("completion")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, sleeper.delays, "no delay is scheduled after a fatal failure")

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 1, fatal.Attempt)
	assert.Equal(t, OutcomeFatal, OutcomeOf(err))
}

func TestRetrier_NonRetryableCategory(t *testing.T) {
	retrier := NewRetrier(testPolicy(), nil, WithSleeper((&recordingSleeper{}).Sleep))

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return appErrors.NewValidationError("prompt is empty")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Contains(t, err.Error(), "prompt is empty")
}

func TestRetrier_ContextCancelledDuringWait(t *testing.T) {
	policy := testPolicy()
	policy.MaxAttempts = 5
	retrier := NewRetrier(policy, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	attempts := 0
	start := time.Now()
	err := retrier.Execute(ctx, func(ctx context.Context) error {
		attempts++
		return appErrors.NewTimeoutError("completion")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, attempts, "the pending retry is abandoned")
	assert.Less(t, time.Since(start), 100*time.Millisecond, "the wait does not run to completion")
	assert.Equal(t, OutcomeCancelled, OutcomeOf(err))
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeTimeout), "last failure is kept")
}

func TestRetrier_AlreadyCancelled(t *testing.T) {
	retrier := NewRetrier(testPolicy(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := retrier.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})

	assert.False(t, called)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, AttemptsOf(err))
}

func TestRetrier_CustomClassifier(t *testing.T) {
	classify := func(err error) Classification {
		if err.Error() == "retryable" {
			return Retryable
		}
		return Fatal
	}
	retrier := NewRetrier(testPolicy(), classify, WithSleeper((&recordingSleeper{}).Sleep))

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("retryable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	attempts = 0
	err = retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("not retryable")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetrier_OnRetryCarriesCorrelationID(t *testing.T) {
	var seen []Attempt
	retrier := NewRetrier(testPolicy(), nil,
		WithSleeper((&recordingSleeper{}).Sleep),
		WithOnRetry(func(a Attempt) { seen = append(seen, a) }),
	)

	ctx := correlation.Fork(context.Background())
	correlation.Install(ctx, "retry-id")

	attempts := 0
	err := retrier.Execute(ctx, func(ctx context.Context) error {
		attempts++
		got, _ := correlation.Current(ctx)
		assert.Equal(t, "retry-id", got, "the operation sees the caller's id on every attempt")
		if attempts < 3 {
			return appErrors.NewRateLimitError("slow down")
		}
		return nil
	})

	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, []int{1, 2}, []int{seen[0].Number, seen[1].Number})
	for _, a := range seen {
		assert.Equal(t, "retry-id", a.CorrelationID)
		assert.Error(t, a.Err)
	}
	assert.Equal(t, 100*time.Millisecond, seen[0].Delay)
	assert.Equal(t, 200*time.Millisecond, seen[1].Delay)
}

func TestRetrier_MaxDelayCap(t *testing.T) {
	policy := testPolicy()
	policy.MaxAttempts = 6
	policy.MaxDelay = 150 * time.Millisecond
	sleeper := &recordingSleeper{}
	retrier := NewRetrier(policy, nil, WithSleeper(sleeper.Sleep))

	_ = retrier.Execute(context.Background(), func(ctx context.Context) error {
		return appErrors.NewTimeoutError("completion")
	})

	require.Len(t, sleeper.delays, 5)
	assert.Equal(t, 100*time.Millisecond, sleeper.delays[0])
	for _, d := range sleeper.delays[1:] {
		assert.Equal(t, 150*time.Millisecond, d)
	}
}

func TestRetrier_JitterModes(t *testing.T) {
	tests := []struct {
		jitter Jitter
		want   []time.Duration
	}{
		{JitterFull, []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}},
		{JitterEqual, []time.Duration{75 * time.Millisecond, 150 * time.Millisecond}},
	}

	for _, tt := range tests {
		t.Run(string(tt.jitter), func(t *testing.T) {
			policy := testPolicy()
			policy.Jitter = tt.jitter
			sleeper := &recordingSleeper{}
			retrier := NewRetrier(policy, nil,
				WithSleeper(sleeper.Sleep),
				WithRandom(func() float64 { return 0.5 }),
			)

			_ = retrier.Execute(context.Background(), func(ctx context.Context) error {
				return appErrors.NewTimeoutError("completion")
			})

			assert.Equal(t, tt.want, sleeper.delays)
		})
	}
}

func TestDo(t *testing.T) {
	retrier := NewRetrier(testPolicy(), nil, WithSleeper((&recordingSleeper{}).Sleep))

	calls := 0
	got, err := Do(context.Background(), retrier, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", appErrors.NewTimeoutError("completion")
		}
		return "once upon a time", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "once upon a time", got)

	got, err = Do(context.Background(), retrier, func(ctx context.Context) (string, error) {
		return "partial", appErrors.NewValidationError("bad prompt")
	})
	require.Error(t, err)
	assert.Empty(t, got, "a failed call does not leak a partial result")
}

func TestRetrier_StatsAndClamping(t *testing.T) {
	retrier := NewRetrier(Policy{MaxAttempts: 0, BaseDelay: -time.Second, Multiplier: 0}, nil, WithName("openai"))
	stats := retrier.Stats()

	assert.Equal(t, "openai", stats.Name)
	assert.Equal(t, 1, stats.MaxAttempts)
	assert.Equal(t, int64(0), stats.BaseDelayMS)
	assert.Equal(t, 2.0, stats.Multiplier)
	assert.Equal(t, "none", stats.Jitter)

	stats = NewRetrier(testPolicy(), nil).Stats()
	assert.Equal(t, 3, stats.MaxAttempts)
	assert.Equal(t, int64(100), stats.BaseDelayMS)
	assert.Equal(t, int64(1000), stats.MaxDelayMS)
	assert.Equal(t, int64(300), stats.MaxTotalDelayMS)
	assert.ElementsMatch(t, []string{"timeout", "external", "rate_limit"}, stats.RetryableCategories)
}

func TestRetrier_UnknownJitterFallsBackToNone(t *testing.T) {
	tests := []struct {
		jitter Jitter
		want   string
	}{
		{"decorrelated", "none"},
		{"", "none"},
		{" Full ", "full"},
		{"EQUAL", "equal"},
	}

	for _, tt := range tests {
		t.Run(string(tt.jitter), func(t *testing.T) {
			policy := testPolicy()
			policy.Jitter = tt.jitter
			assert.Equal(t, tt.want, NewRetrier(policy, nil).Stats().Jitter)
		})
	}

	policy := testPolicy()
	policy.Jitter = "decorrelated"
	sleeper := &recordingSleeper{}
	retrier := NewRetrier(policy, nil, WithSleeper(sleeper.Sleep), WithRandom(func() float64 { return 0.5 }))
	_ = retrier.Execute(context.Background(), func(ctx context.Context) error {
		return appErrors.NewTimeoutError("completion")
	})
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeper.delays)
	assert.Error(t, policy.Validate())
}
