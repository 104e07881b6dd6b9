package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkAndRecordScript runs the whole check for every bucket inside Redis.
// ARGV[1] is now in milliseconds, followed by a (limit, window_ms) pair per key.
// The reply is {admitted, start_1, count_1, start_2, count_2, ...}.
var checkAndRecordScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local starts, counts = {}, {}
local admitted = 1
for i = 1, #KEYS do
  local limit = tonumber(ARGV[2 * i])
  local window = tonumber(ARGV[2 * i + 1])
  local v = redis.call('HMGET', KEYS[i], 'start', 'count')
  local start = tonumber(v[1])
  local count = tonumber(v[2])
  if start == nil or count == nil or now >= start + window then
    start = now
    count = 0
  end
  starts[i] = start
  counts[i] = count
  if count >= limit then
    admitted = 0
  end
end
local out = {admitted}
for i = 1, #KEYS do
  local window = tonumber(ARGV[2 * i + 1])
  if admitted == 1 then
    counts[i] = counts[i] + 1
  end
  redis.call('HSET', KEYS[i], 'start', starts[i], 'count', counts[i])
  redis.call('PEXPIREAT', KEYS[i], starts[i] + window)
  table.insert(out, starts[i])
  table.insert(out, counts[i])
end
return out
`)

// RedisStore keeps counters in Redis so several instances share one budget.
// Counters expire with their window, so no sweeping is needed.
//
// Every bucket of a check is touched by one script call, which Redis Cluster
// only accepts when the keys hash to the same slot. On Cluster the prefix
// must carry a hash tag, e.g. "{storyforge}:ratelimit:".
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store on top of an existing client
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// CheckAndRecord implements Store
func (s *RedisStore) CheckAndRecord(ctx context.Context, now time.Time, buckets []Bucket) (bool, []BucketState, error) {
	keys, args := s.scriptArgs(now, buckets)
	reply, err := checkAndRecordScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return false, nil, fmt.Errorf("rate limit script failed: %w", err)
	}
	return parseReply(reply, buckets)
}

// Peek implements Store
func (s *RedisStore) Peek(ctx context.Context, now time.Time, bucket Bucket) (BucketState, error) {
	values, err := s.client.HMGet(ctx, s.prefix+bucket.Key, "start", "count").Result()
	if err != nil {
		return BucketState{}, fmt.Errorf("failed to read counter: %w", err)
	}
	start, okStart := parseField(values, 0)
	count, okCount := parseField(values, 1)
	if !okStart || !okCount {
		return stateOf(bucket, now, 0), nil
	}
	windowStart := time.UnixMilli(start)
	if !now.Before(windowStart.Add(bucket.Limit.Window)) {
		return stateOf(bucket, now, 0), nil
	}
	return stateOf(bucket, windowStart, int(count)), nil
}

// Ping checks connectivity to Redis
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) scriptArgs(now time.Time, buckets []Bucket) ([]string, []interface{}) {
	keys := make([]string, len(buckets))
	args := make([]interface{}, 0, 1+2*len(buckets))
	args = append(args, now.UnixMilli())
	for i, b := range buckets {
		keys[i] = s.prefix + b.Key
		args = append(args, b.Limit.Requests, b.Limit.Window.Milliseconds())
	}
	return keys, args
}

func parseReply(reply []int64, buckets []Bucket) (bool, []BucketState, error) {
	if len(reply) != 1+2*len(buckets) {
		return false, nil, errors.New("unexpected rate limit script reply")
	}
	states := make([]BucketState, len(buckets))
	for i, b := range buckets {
		start := reply[1+2*i]
		count := reply[2+2*i]
		states[i] = stateOf(b, time.UnixMilli(start), int(count))
	}
	return reply[0] == 1, states, nil
}

func parseField(values []interface{}, i int) (int64, bool) {
	if i >= len(values) || values[i] == nil {
		return 0, false
	}
	s, ok := values[i].(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
