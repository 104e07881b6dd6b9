package ratelimit

import (
	"context"
	"math"
	"strconv"
	"time"
)

// Response headers describing a decision
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderScope      = "X-RateLimit-Scope"
	HeaderRetryAfter = "Retry-After"
)

// Headers renders a decision as response headers. Reset is a unix timestamp
// and Retry-After is whole seconds rounded up, present only on rejection.
func (d Decision) Headers() map[string]string {
	h := map[string]string{
		HeaderLimit:     strconv.Itoa(d.Limit),
		HeaderRemaining: strconv.Itoa(d.Remaining),
		HeaderReset:     strconv.FormatInt(d.ResetAt.Unix(), 10),
	}
	if d.Scope != "" {
		h[HeaderScope] = string(d.Scope)
	}
	if !d.Admitted {
		h[HeaderRetryAfter] = strconv.Itoa(d.RetryAfterSeconds())
	}
	return h
}

// RetryAfterSeconds rounds the wait up to whole seconds
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// CounterSnapshot is the read-only state of one bucket
type CounterSnapshot struct {
	Key         string    `json:"key"`
	Scope       Scope     `json:"scope"`
	Limit       int       `json:"limit"`
	Count       int       `json:"count"`
	Remaining   int       `json:"remaining"`
	WindowStart time.Time `json:"window_start"`
	ResetAt     time.Time `json:"reset_at"`
}

// Snapshot reads the buckets key would be charged against without counting
func (c *Controller) Snapshot(ctx context.Context, key Key, now time.Time) ([]CounterSnapshot, error) {
	buckets := c.buckets(key)
	out := make([]CounterSnapshot, 0, len(buckets))
	for _, b := range buckets {
		s, err := c.store.Peek(ctx, now, b)
		if err != nil {
			return nil, err
		}
		out = append(out, CounterSnapshot{
			Key:         b.Key,
			Scope:       s.Scope,
			Limit:       s.Limit,
			Count:       s.Count,
			Remaining:   s.Remaining(),
			WindowStart: s.WindowStart,
			ResetAt:     s.ResetAt,
		})
	}
	return out, nil
}

// Stats describes the controller configuration and its store
type Stats struct {
	Default   Limit            `json:"default"`
	Classes   map[string]Limit `json:"classes"`
	Global    Limit            `json:"global"`
	AllowList int              `json:"allow_list"`
	Store     *StoreStats      `json:"store,omitempty"`
}

// Stats returns the controller stats
func (c *Controller) Stats() Stats {
	classes := make(map[string]Limit, len(c.config.Classes))
	for k, v := range c.config.Classes {
		classes[k] = v
	}
	stats := Stats{
		Default:   c.config.Default,
		Classes:   classes,
		Global:    c.config.Global,
		AllowList: len(c.allowList),
	}
	if s, ok := c.store.(statser); ok {
		st := s.Stats()
		stats.Store = &st
	}
	return stats
}

// Sweep evicts idle counters when the store supports it
func (c *Controller) Sweep(now time.Time) int {
	if s, ok := c.store.(Sweeper); ok {
		return s.Sweep(now)
	}
	return 0
}

// Run sweeps idle counters every interval until ctx is done
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	if _, ok := c.store.(Sweeper); !ok || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := c.Sweep(now); n > 0 {
				c.logger.WithComponent("ratelimit").WithField("evicted", n).Debug("Swept idle rate limit counters")
			}
		}
	}
}
