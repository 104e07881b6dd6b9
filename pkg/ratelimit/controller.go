// Package ratelimit admits or rejects requests against fixed-window ceilings
// per client and endpoint class, with an optional global ceiling shared by
// every client.
package ratelimit

import (
	"context"
	"time"

	"github.com/NikhilSetiya/storyforge/pkg/logging"
)

const globalKey = "global"

// Key identifies the client bucket a request is charged against
type Key struct {
	Client string `json:"client"`
	Class  string `json:"class"`
}

func (k Key) String() string {
	return "client:" + k.Class + ":" + k.Client
}

// Decision is the result of one admission check
type Decision struct {
	Admitted bool  `json:"admitted"`
	Key      Key   `json:"key"`
	Scope    Scope `json:"scope"`
	// Limit, Remaining and ResetAt describe the rejecting bucket, or the one
	// with the least headroom when admitted
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after"`
	// Bypassed marks allow-listed clients that were not counted
	Bypassed bool `json:"bypassed,omitempty"`
	// Degraded marks admissions granted because the store failed
	Degraded bool `json:"degraded,omitempty"`
}

// Observer receives every admission decision
type Observer interface {
	ObserveDecision(class string, scope Scope, admitted bool)
}

// Controller decides whether requests are admitted
type Controller struct {
	config    Config
	store     Store
	allowList map[string]struct{}
	observer  Observer
	logger    *logging.Logger
}

// Option configures a Controller
type Option func(*Controller)

// WithObserver reports decisions to o
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithLogger overrides the global logger
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New creates a controller. A nil store keeps counters in memory.
func New(config Config, store Store, opts ...Option) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		store = NewMemoryStore(config.IdleTTL, config.MaxKeys)
	}

	c := &Controller{
		config:    config,
		store:     store,
		allowList: make(map[string]struct{}, len(config.AllowList)),
		logger:    logging.GetLogger(),
	}
	for _, client := range config.AllowList {
		c.allowList[client] = struct{}{}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the controller configuration
func (c *Controller) Config() Config {
	return c.config
}

func (c *Controller) buckets(key Key) []Bucket {
	buckets := []Bucket{{Key: key.String(), Scope: ScopeClient, Limit: c.config.LimitFor(key.Class)}}
	if c.config.Global.Enabled() {
		buckets = append(buckets, Bucket{Key: globalKey, Scope: ScopeGlobal, Limit: c.config.Global})
	}
	return buckets
}

// IsAllowListed reports whether the client bypasses admission
func (c *Controller) IsAllowListed(client string) bool {
	_, ok := c.allowList[client]
	return ok
}

// CheckAndRecord decides whether a request for key arriving at now is
// admitted, and counts it against every bucket when it is. A store failure
// admits the request and is returned alongside the decision.
func (c *Controller) CheckAndRecord(ctx context.Context, key Key, now time.Time) (Decision, error) {
	limit := c.config.LimitFor(key.Class)

	if c.IsAllowListed(key.Client) {
		return Decision{
			Admitted:  true,
			Key:       key,
			Scope:     ScopeClient,
			Limit:     limit.Requests,
			Remaining: limit.Requests,
			ResetAt:   now.Add(limit.Window),
			Bypassed:  true,
		}, nil
	}

	buckets := c.buckets(key)
	admitted, states, err := c.store.CheckAndRecord(ctx, now, buckets)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).WithField("key", key.String()).Warn("Rate limit check failed, admitting request")
		c.observe(key.Class, ScopeClient, true)
		return Decision{
			Admitted:  true,
			Key:       key,
			Scope:     ScopeClient,
			Limit:     limit.Requests,
			Remaining: limit.Requests,
			ResetAt:   now.Add(limit.Window),
			Degraded:  true,
		}, err
	}

	d := decide(key, admitted, states, now)
	c.observe(key.Class, d.Scope, d.Admitted)
	if !d.Admitted {
		c.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"key":         key.String(),
			"limit_type":  string(d.Scope),
			"limit":       d.Limit,
			"retry_after": d.RetryAfter.String(),
		}).Info("Rate limit exceeded")
	}
	return d, nil
}

// decide reduces bucket states to one decision. A rejection reports the
// rejecting bucket that resets last; an admission reports the bucket with
// the least headroom.
func decide(key Key, admitted bool, states []BucketState, now time.Time) Decision {
	d := Decision{Admitted: admitted, Key: key}

	var chosen *BucketState
	for i := range states {
		s := &states[i]
		if !admitted {
			if s.Count < s.Limit {
				continue
			}
			if chosen == nil || s.ResetAt.After(chosen.ResetAt) {
				chosen = s
			}
			continue
		}
		if chosen == nil || s.Remaining() < chosen.Remaining() {
			chosen = s
		}
	}
	if chosen == nil {
		return d
	}

	d.Scope = chosen.Scope
	d.Limit = chosen.Limit
	d.Remaining = chosen.Remaining()
	d.ResetAt = chosen.ResetAt
	if !admitted {
		d.Remaining = 0
		if wait := chosen.ResetAt.Sub(now); wait > 0 {
			d.RetryAfter = wait
		}
	}
	return d
}

func (c *Controller) observe(class string, scope Scope, admitted bool) {
	if c.observer != nil {
		c.observer.ObserveDecision(class, scope, admitted)
	}
}
