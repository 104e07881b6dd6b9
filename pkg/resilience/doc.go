// Package resilience retries calls to unreliable downstream services.
//
// A Retrier runs an operation up to Policy.MaxAttempts times. After each
// failure an injected Classifier decides whether the error is Retryable or
// Fatal. Retryable failures wait for an exponential, capped and optionally
// jittered delay before the next attempt:
//
//	delay = min(BaseDelay * Multiplier^(attempt-1), MaxDelay)
//
// The wait is a timer raced against ctx.Done(), so cancelling the request
// abandons the pending retry.
//
//	retrier := resilience.NewRetrier(resilience.DefaultPolicy(), nil, resilience.WithName("openai"))
//	story, err := resilience.Do(ctx, retrier, func(ctx context.Context) (*Story, error) {
//		return client.Complete(ctx, prompt)
//	})
//	switch resilience.OutcomeOf(err) {
//	case resilience.OutcomeExhausted:
//		// every attempt failed transiently
//	case resilience.OutcomeFatal:
//		// the classifier refused to retry
//	case resilience.OutcomeCancelled:
//		// the caller went away
//	}
//
// Every attempt runs in its own trace span and its log records carry the
// correlation id found on ctx.
package resilience
