package resilience

import (
	"fmt"
	"time"

	"github.com/NikhilSetiya/storyforge/internal/backoff"
	"github.com/NikhilSetiya/storyforge/pkg/errors"
)

// Jitter names how a computed delay is randomized
type Jitter = backoff.Jitter

// Jitter modes accepted by Policy.
const (
	JitterNone  = backoff.JitterNone
	JitterFull  = backoff.JitterFull
	JitterEqual = backoff.JitterEqual
)

// Policy is the immutable configuration of a Retrier
type Policy struct {
	// MaxAttempts counts the first call, so 1 disables retries
	MaxAttempts int
	// BaseDelay is the delay before the second attempt
	BaseDelay time.Duration
	// MaxDelay caps every computed delay before jitter
	MaxDelay time.Duration
	// Multiplier grows the delay between consecutive attempts
	Multiplier float64
	// Jitter randomizes the capped delay
	Jitter Jitter
	// RetryableCategories lists the AppError types the default classifier retries
	RetryableCategories []errors.ErrorType
}

// DefaultPolicy returns the policy used for outbound AI provider calls
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         3,
		BaseDelay:           500 * time.Millisecond,
		MaxDelay:            10 * time.Second,
		Multiplier:          2.0,
		Jitter:              JitterEqual,
		RetryableCategories: append([]errors.ErrorType(nil), errors.TransientTypes...),
	}
}

// Validate rejects policies that cannot be executed as written
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("base delay must not be negative, got %s", p.BaseDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1, got %g", p.Multiplier)
	}
	if _, err := backoff.ParseJitter(string(p.Jitter)); err != nil {
		return err
	}
	return nil
}

// Delay returns the capped exponential delay that follows a failed attempt,
// before jitter.
func (p Policy) Delay(attempt int) time.Duration {
	return backoff.Exponential(attempt, p.BaseDelay, p.MaxDelay, p.Multiplier)
}

// MaxTotalDelay is the upper bound on time spent waiting between attempts.
func (p Policy) MaxTotalDelay() time.Duration {
	var total time.Duration
	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		total += p.Delay(attempt)
	}
	return total
}

func (p Policy) retryable(t errors.ErrorType) bool {
	for _, c := range p.RetryableCategories {
		if c == t {
			return true
		}
	}
	return false
}

// PolicyDescriptor is the read-only view of a policy exposed on status endpoints
type PolicyDescriptor struct {
	Name                string   `json:"name"`
	MaxAttempts         int      `json:"max_attempts"`
	BaseDelayMS         int64    `json:"base_delay_ms"`
	MaxDelayMS          int64    `json:"max_delay_ms"`
	Multiplier          float64  `json:"multiplier"`
	Jitter              string   `json:"jitter"`
	RetryableCategories []string `json:"retryable_categories"`
	MaxTotalDelayMS     int64    `json:"max_total_delay_ms"`
}

func (p Policy) describe(name string) PolicyDescriptor {
	cats := make([]string, 0, len(p.RetryableCategories))
	for _, c := range p.RetryableCategories {
		cats = append(cats, string(c))
	}
	return PolicyDescriptor{
		Name:                name,
		MaxAttempts:         p.MaxAttempts,
		BaseDelayMS:         p.BaseDelay.Milliseconds(),
		MaxDelayMS:          p.MaxDelay.Milliseconds(),
		Multiplier:          p.Multiplier,
		Jitter:              string(p.Jitter),
		RetryableCategories: cats,
		MaxTotalDelayMS:     p.MaxTotalDelay().Milliseconds(),
	}
}
