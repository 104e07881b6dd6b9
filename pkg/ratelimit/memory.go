package ratelimit

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type counter struct {
	mutex       sync.Mutex
	windowStart time.Time
	window      time.Duration
	count       int
	lastSeen    time.Time
	// evicted is set under mutex once the counter left the map; holders of a
	// stale pointer must look the key up again
	evicted bool
}

func (c *counter) resetIfExpired(now time.Time, window time.Duration) {
	c.window = window
	if c.windowStart.IsZero() || !now.Before(c.windowStart.Add(window)) {
		c.windowStart = now
		c.count = 0
	}
}

func (c *counter) expired(now time.Time) bool {
	return c.windowStart.IsZero() || !now.Before(c.windowStart.Add(c.window))
}

// MemoryStore keeps counters in process memory
type MemoryStore struct {
	counters  sync.Map // string -> *counter
	size      atomic.Int64
	evictions atomic.Int64
	idleTTL   time.Duration
	maxKeys   int
	shrinking sync.Mutex
}

// NewMemoryStore creates a store that drops counters idle for idleTTL once
// their window has closed, and trims the least recently seen counters when
// more than maxKeys are tracked. Zero disables either bound.
func NewMemoryStore(idleTTL time.Duration, maxKeys int) *MemoryStore {
	return &MemoryStore{idleTTL: idleTTL, maxKeys: maxKeys}
}

// lock returns the live counter for key with its mutex held
func (s *MemoryStore) lock(key string) *counter {
	for {
		value, ok := s.counters.Load(key)
		if !ok {
			var loaded bool
			value, loaded = s.counters.LoadOrStore(key, &counter{})
			if !loaded {
				s.size.Add(1)
			}
		}
		c := value.(*counter)
		c.mutex.Lock()
		if !c.evicted {
			return c
		}
		c.mutex.Unlock()
	}
}

// CheckAndRecord implements Store
func (s *MemoryStore) CheckAndRecord(_ context.Context, now time.Time, buckets []Bucket) (bool, []BucketState, error) {
	admitted, states := s.checkAndRecord(now, buckets)
	if s.maxKeys > 0 && s.size.Load() > int64(s.maxKeys) {
		s.shrink(now)
	}
	return admitted, states, nil
}

func (s *MemoryStore) checkAndRecord(now time.Time, buckets []Bucket) (bool, []BucketState) {
	// Counters are locked in key order so concurrent checks sharing the
	// global bucket cannot deadlock.
	order := make([]int, len(buckets))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return buckets[order[a]].Key < buckets[order[b]].Key })

	counters := make([]*counter, len(buckets))
	for _, i := range order {
		counters[i] = s.lock(buckets[i].Key)
	}
	defer func() {
		for _, c := range counters {
			c.mutex.Unlock()
		}
	}()

	admitted := true
	for i, c := range counters {
		c.resetIfExpired(now, buckets[i].Limit.Window)
		c.lastSeen = now
		if c.count >= buckets[i].Limit.Requests {
			admitted = false
		}
	}

	states := make([]BucketState, len(buckets))
	for i, c := range counters {
		if admitted {
			c.count++
		}
		states[i] = stateOf(buckets[i], c.windowStart, c.count)
	}
	return admitted, states
}

// Peek implements Store
func (s *MemoryStore) Peek(_ context.Context, now time.Time, bucket Bucket) (BucketState, error) {
	value, ok := s.counters.Load(bucket.Key)
	if !ok {
		return stateOf(bucket, now, 0), nil
	}
	c := value.(*counter)
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.evicted || c.windowStart.IsZero() || !now.Before(c.windowStart.Add(bucket.Limit.Window)) {
		return stateOf(bucket, now, 0), nil
	}
	return stateOf(bucket, c.windowStart, c.count), nil
}

// Sweep drops counters whose window has closed and that were idle for at
// least the idle TTL. It returns the number of counters dropped.
func (s *MemoryStore) Sweep(now time.Time) int {
	if s.idleTTL <= 0 {
		return 0
	}
	dropped := 0
	s.counters.Range(func(key, value any) bool {
		c := value.(*counter)
		c.mutex.Lock()
		if !c.evicted && c.expired(now) && now.Sub(c.lastSeen) >= s.idleTTL {
			s.evictLocked(key.(string), c)
			dropped++
		}
		c.mutex.Unlock()
		return true
	})
	return dropped
}

// shrink brings the store back under its key bound. Expired counters go
// first, then the least recently seen ones.
func (s *MemoryStore) shrink(now time.Time) {
	if !s.shrinking.TryLock() {
		return
	}
	defer s.shrinking.Unlock()

	s.Sweep(now)
	over := s.size.Load() - int64(s.maxKeys)
	if over <= 0 {
		return
	}

	type candidate struct {
		key      string
		c        *counter
		expired  bool
		lastSeen time.Time
	}
	var candidates []candidate
	s.counters.Range(func(key, value any) bool {
		c := value.(*counter)
		c.mutex.Lock()
		candidates = append(candidates, candidate{key: key.(string), c: c, expired: c.expired(now), lastSeen: c.lastSeen})
		c.mutex.Unlock()
		return true
	})
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].expired != candidates[j].expired {
			return candidates[i].expired
		}
		return candidates[i].lastSeen.Before(candidates[j].lastSeen)
	})

	for _, cand := range candidates {
		if over <= 0 {
			return
		}
		cand.c.mutex.Lock()
		if !cand.c.evicted {
			s.evictLocked(cand.key, cand.c)
			over--
		}
		cand.c.mutex.Unlock()
	}
}

func (s *MemoryStore) evictLocked(key string, c *counter) {
	c.evicted = true
	if s.counters.CompareAndDelete(key, c) {
		s.size.Add(-1)
		s.evictions.Add(1)
	}
}

// Stats reports the number of tracked and evicted counters
func (s *MemoryStore) Stats() StoreStats {
	return StoreStats{Keys: s.size.Load(), Evictions: s.evictions.Load()}
}
