package ratelimit

import (
	"fmt"
	"time"
)

// Endpoint classes with their own ceilings
const (
	ClassDefault         = "default"
	ClassStoryGeneration = "story-generation"
	ClassList            = "list"
	ClassHealth          = "health"
)

// Limit is a fixed-window ceiling
type Limit struct {
	Requests int           `json:"requests"`
	Window   time.Duration `json:"window"`
}

// Enabled reports whether the limit should be enforced
func (l Limit) Enabled() bool {
	return l.Requests > 0 && l.Window > 0
}

// Config holds admission control configuration
type Config struct {
	// Default is the per-client ceiling for classes without an override
	Default Limit
	// Classes overrides the per-client ceiling for an endpoint class
	Classes map[string]Limit
	// Global caps admissions across every client; a zero limit disables it
	Global Limit

	// AllowList holds client keys that bypass admission
	AllowList []string

	// IdleTTL is how long an expired counter may sit unused before eviction
	IdleTTL time.Duration
	// MaxKeys bounds the number of tracked counters; zero means unbounded
	MaxKeys int

	// KeyPrefix namespaces counters in shared stores such as Redis
	KeyPrefix string
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Default: Limit{Requests: 60, Window: time.Minute},
		Classes: map[string]Limit{
			ClassStoryGeneration: {Requests: 10, Window: time.Minute},
			ClassList:            {Requests: 120, Window: time.Minute},
			ClassHealth:          {Requests: 600, Window: time.Minute},
		},
		Global:    Limit{Requests: 1000, Window: time.Minute},
		AllowList: []string{},
		IdleTTL:   10 * time.Minute,
		MaxKeys:   100000,
		KeyPrefix: "storyforge:ratelimit:",
	}
}

// LimitFor returns the per-client limit of an endpoint class
func (c Config) LimitFor(class string) Limit {
	if l, ok := c.Classes[class]; ok {
		return l
	}
	return c.Default
}

// Validate checks the configuration
func (c Config) Validate() error {
	if !c.Default.Enabled() {
		return fmt.Errorf("default limit must have positive requests and window, got %d per %s", c.Default.Requests, c.Default.Window)
	}
	for class, l := range c.Classes {
		if !l.Enabled() {
			return fmt.Errorf("limit for class %q must have positive requests and window", class)
		}
	}
	if c.Global.Requests < 0 || (c.Global.Requests > 0 && c.Global.Window <= 0) {
		return fmt.Errorf("global limit must be disabled or have a positive window")
	}
	if c.IdleTTL < 0 {
		return fmt.Errorf("idle TTL must not be negative")
	}
	if c.MaxKeys < 0 {
		return fmt.Errorf("max keys must not be negative")
	}
	return nil
}
