package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/clock"
)

// Window is one fixed counting window. The window starts at the first hit and
// lasts TTL.
type Window struct {
	Scope string
	Key   string
	Limit int
	TTL   time.Duration
}

type Result struct {
	Allowed    bool
	Scope      string
	RetryAfter time.Duration
}

// Counter atomically checks every window and, only if all have room,
// increments all of them.
type Counter interface {
	Acquire(ctx context.Context, windows []Window) (Result, error)
}

type memoryEntry struct {
	count     int
	expiresAt time.Time
}

// MemoryCounter is a single-process Counter.
type MemoryCounter struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryCounter(clk clock.Clock) *MemoryCounter {
	return &MemoryCounter{clock: clock.Or(clk), entries: make(map[string]memoryEntry)}
}

func (c *MemoryCounter) Acquire(_ context.Context, windows []Window) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()

	live := make([]memoryEntry, len(windows))
	for i, w := range windows {
		e, ok := c.entries[w.Key]
		if !ok || !now.Before(e.expiresAt) {
			e = memoryEntry{expiresAt: now.Add(w.TTL)}
		}
		if e.count+1 > w.Limit {
			return Result{Scope: w.Scope, RetryAfter: e.expiresAt.Sub(now)}, nil
		}
		live[i] = e
	}
	for i, w := range windows {
		e := live[i]
		e.count++
		c.entries[w.Key] = e
	}
	return Result{Allowed: true}, nil
}

// Sweep drops expired windows.
func (c *MemoryCounter) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// acquireScript returns {0, 0} when every window was incremented, or
// {index, pttl} for the first window without room. ARGV holds the limits
// followed by the TTLs in milliseconds.
var acquireScript = redis.NewScript(`
local n = #KEYS
for i = 1, n do
  local current = tonumber(redis.call('GET', KEYS[i]) or '0')
  if current + 1 > tonumber(ARGV[i]) then
    local ttl = redis.call('PTTL', KEYS[i])
    if ttl < 0 then ttl = tonumber(ARGV[n + i]) end
    return {i, ttl}
  end
end
for i = 1, n do
  redis.call('INCR', KEYS[i])
  if redis.call('PTTL', KEYS[i]) < 0 then
    redis.call('PEXPIRE', KEYS[i], ARGV[n + i])
  end
end
return {0, 0}
`)

// RedisCounter shares windows across replicas. All keys touched by one call
// must hash to the same slot when running against Redis Cluster.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) Acquire(ctx context.Context, windows []Window) (Result, error) {
	if len(windows) == 0 {
		return Result{Allowed: true}, nil
	}
	keys := make([]string, len(windows))
	args := make([]any, 0, 2*len(windows))
	for i, w := range windows {
		keys[i] = c.prefix + w.Key
		args = append(args, strconv.Itoa(w.Limit))
	}
	for _, w := range windows {
		args = append(args, strconv.FormatInt(w.TTL.Milliseconds(), 10))
	}

	out, err := acquireScript.Run(ctx, c.client, keys, args...).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(out) != 2 {
		return Result{}, errors.New("rate limit script: unexpected reply")
	}
	if out[0] == 0 {
		return Result{Allowed: true}, nil
	}
	idx := int(out[0]) - 1
	if idx < 0 || idx >= len(windows) {
		return Result{}, fmt.Errorf("rate limit script: window index %d out of range", out[0])
	}
	return Result{Scope: windows[idx].Scope, RetryAfter: time.Duration(out[1]) * time.Millisecond}, nil
}
