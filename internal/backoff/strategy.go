package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// Jitter names how a computed delay is randomized.
type Jitter string

const (
	// JitterNone uses the computed delay as is.
	JitterNone Jitter = "none"
	// JitterFull picks uniformly from [0, delay].
	JitterFull Jitter = "full"
	// JitterEqual keeps half the delay and randomizes the other half.
	JitterEqual Jitter = "equal"
)

// ParseJitter accepts the configuration spelling of a jitter mode.
func ParseJitter(s string) (Jitter, error) {
	switch j := Jitter(strings.ToLower(strings.TrimSpace(s))); j {
	case JitterNone, JitterFull, JitterEqual:
		return j, nil
	case "":
		return JitterNone, nil
	default:
		return "", fmt.Errorf("unknown jitter mode %q", s)
	}
}

// Strategy turns a capped exponential delay into the delay actually waited.
type Strategy interface {
	Apply(delay time.Duration) time.Duration
}

type noJitter struct{}

func (noJitter) Apply(d time.Duration) time.Duration { return d }

type fullJitter struct{ rnd func() float64 }

func (s fullJitter) Apply(d time.Duration) time.Duration {
	return time.Duration(s.rnd() * float64(d))
}

type equalJitter struct{ rnd func() float64 }

func (s equalJitter) Apply(d time.Duration) time.Duration {
	half := d / 2
	return half + time.Duration(s.rnd()*float64(d-half))
}

// StrategyFor returns the strategy for j. rnd must return values in [0, 1);
// nil uses math/rand.
func StrategyFor(j Jitter, rnd func() float64) Strategy {
	if rnd == nil {
		rnd = rand.Float64
	}
	switch j {
	case JitterFull:
		return fullJitter{rnd: rnd}
	case JitterEqual:
		return equalJitter{rnd: rnd}
	default:
		return noJitter{}
	}
}

// Exponential returns min(base * multiplier^(attempt-1), max) for a 1-based attempt.
func Exponential(attempt int, base, max time.Duration, multiplier float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(multiplier, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(max) {
		return max
	}
	return time.Duration(d)
}
