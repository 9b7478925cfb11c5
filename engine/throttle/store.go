// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Decision is the outcome of one check-and-record.
type Decision struct {
	Allowed bool
	// Count is the number of hits in the window after the check.
	Count int
	// RetryAfter is when the oldest hit leaves the window. Zero when allowed.
	RetryAfter time.Duration
}

// Store records hits in a sliding window. Allow must be atomic: it counts
// the hit only when the decision is to allow.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error)
}

// MemoryStore is a process-local sliding log.
type MemoryStore struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hits: make(map[string][]time.Time)}
}

// Allow implements Store.
func (m *MemoryStore) Allow(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Hits at or before the cutoff have left the window.
	cutoff := now.Add(-window)
	hits := m.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	if len(hits) < limit {
		hits = append(hits, now)
		m.hits[key] = hits
		return Decision{Allowed: true, Count: len(hits)}, nil
	}

	if len(hits) == 0 {
		delete(m.hits, key)
	} else {
		m.hits[key] = hits
	}
	retry := window
	if len(hits) > 0 {
		retry = hits[0].Add(window).Sub(now)
	}
	return Decision{Allowed: false, Count: len(hits), RetryAfter: retry}, nil
}

// slidingWindowScript prunes, counts and conditionally records in one step.
// Scores are unix milliseconds.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, count + 1, 0}
end
local retry = window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
end
return {0, count, retry}
`)

// RedisStore keeps sliding windows in sorted sets so that every runner
// process shares the same counters.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store using keys under prefix (default "throttle:").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "throttle:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Allow implements Store.
func (r *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	res, err := slidingWindowScript.Run(ctx, r.client, []string{r.prefix + key},
		now.UnixMilli(), window.Milliseconds(), limit, fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("throttle script failed: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("unexpected throttle script reply %v", res)
	}
	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	retry, _ := res[2].(int64)
	d := Decision{Allowed: allowed == 1, Count: int(count)}
	if !d.Allowed {
		d.RetryAfter = time.Duration(retry) * time.Millisecond
	}
	return d, nil
}
