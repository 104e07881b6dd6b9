package ratelimit

import (
	"context"
	"time"
)

// Scope names the counter a decision was made on
type Scope string

const (
	ScopeClient Scope = "client"
	ScopeGlobal Scope = "global"
)

// Bucket is one counter a request is charged against
type Bucket struct {
	Key   string
	Scope Scope
	Limit Limit
}

// BucketState is a counter as seen by one check
type BucketState struct {
	Scope       Scope
	Limit       int
	Count       int
	WindowStart time.Time
	ResetAt     time.Time
}

// Remaining is the headroom left in the window
func (s BucketState) Remaining() int {
	if r := s.Limit - s.Count; r > 0 {
		return r
	}
	return 0
}

func stateOf(b Bucket, windowStart time.Time, count int) BucketState {
	return BucketState{
		Scope:       b.Scope,
		Limit:       b.Limit.Requests,
		Count:       count,
		WindowStart: windowStart,
		ResetAt:     windowStart.Add(b.Limit.Window),
	}
}

// Store keeps fixed-window counters.
//
// CheckAndRecord evaluates every bucket as one atomic step: expired windows
// are reset to start at now, and only when every bucket has headroom are all
// of them incremented. The returned states are post-increment on admission
// and untouched counts on rejection.
type Store interface {
	CheckAndRecord(ctx context.Context, now time.Time, buckets []Bucket) (bool, []BucketState, error)
	Peek(ctx context.Context, now time.Time, bucket Bucket) (BucketState, error)
}

// Sweeper is implemented by stores that evict idle counters themselves
type Sweeper interface {
	Sweep(now time.Time) int
}

// StoreStats describes the size of a store
type StoreStats struct {
	Keys      int64 `json:"keys"`
	Evictions int64 `json:"evictions"`
}

type statser interface {
	Stats() StoreStats
}
