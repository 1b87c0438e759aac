package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/webhook-dispatcher/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerSec = 10
	rateLimitWindow    = time.Second
	minRateLimitWait   = time.Millisecond
	rateLimitKeyPrefix = "webhook:ratelimit:endpoint"
)

// reserveScript counts a call against the current window and returns 0 when
// it fits, otherwise the milliseconds left until the window resets.
var reserveScript = goredis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if count <= tonumber(ARGV[1]) then
  return 0
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end
return ttl
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter caps outbound calls per endpoint per second across every
// worker process sharing the Redis instance.
type RedisRateLimiter struct {
	client *goredis.Client
	limit  int
	window time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewRedisRateLimiter(client *goredis.Client, limitPerSec int) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limitPerSec <= 0 {
		limitPerSec = defaultLimitPerSec
	}
	return &RedisRateLimiter{
		client: client,
		limit:  limitPerSec,
		window: rateLimitWindow,
		sleep:  sleepWithContext,
	}, nil
}

// Reserve counts one call for endpointID. A zero duration means the call may
// proceed now; otherwise it is the time until the endpoint's window resets.
func (r *RedisRateLimiter) Reserve(ctx context.Context, endpointID string) (time.Duration, error) {
	if r == nil || r.client == nil {
		return 0, fmt.Errorf("rate limiter is not initialized")
	}
	id := strings.TrimSpace(endpointID)
	if id == "" {
		return 0, fmt.Errorf("endpoint id is required")
	}

	key := rateLimitKeyPrefix + ":" + id
	waitMS, err := reserveScript.Run(ctx, r.client, []string{key}, r.limit, r.window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to evaluate rate limit for %s: %w", id, err)
	}
	return time.Duration(waitMS) * time.Millisecond, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, endpointID string) (bool, error) {
	wait, err := r.Reserve(ctx, endpointID)
	if err != nil {
		return false, err
	}
	return wait == 0, nil
}

// Wait blocks until the endpoint has budget or ctx ends.
func (r *RedisRateLimiter) Wait(ctx context.Context, endpointID string) error {
	for {
		wait, err := r.Reserve(ctx, endpointID)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}
		if err := r.sleep(ctx, max(wait, minRateLimitWait)); err != nil {
			return err
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
