package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func TestRedisRateLimiterAllow(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)
	limiter, err := NewRedisRateLimiter(rdb, 2)
	if err != nil {
		t.Fatalf("NewRedisRateLimiter() error = %v", err)
	}

	ctx := context.Background()
	for i, want := range []bool{true, true, false} {
		allowed, err := limiter.Allow(ctx, "ep-1")
		if err != nil {
			t.Fatalf("Allow() #%d error = %v", i+1, err)
		}
		if allowed != want {
			t.Fatalf("Allow() #%d = %v, want %v", i+1, allowed, want)
		}
	}

	mr.FastForward(time.Second)
	allowed, err := limiter.Allow(ctx, "ep-1")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !allowed {
		t.Fatal("Allow() after window reset = false, want true")
	}
}

func TestRedisRateLimiterAllowPerEndpoint(t *testing.T) {
	t.Parallel()

	_, rdb := newTestRedis(t)
	limiter, err := NewRedisRateLimiter(rdb, 1)
	if err != nil {
		t.Fatalf("NewRedisRateLimiter() error = %v", err)
	}

	ctx := context.Background()
	if allowed, err := limiter.Allow(ctx, "ep-1"); err != nil || !allowed {
		t.Fatalf("Allow(ep-1) = %v, %v, want allowed", allowed, err)
	}
	if allowed, err := limiter.Allow(ctx, "ep-2"); err != nil || !allowed {
		t.Fatalf("Allow(ep-2) = %v, %v, want allowed", allowed, err)
	}
	if allowed, err := limiter.Allow(ctx, "ep-1"); err != nil || allowed {
		t.Fatalf("Allow(ep-1) = %v, %v, want rejected", allowed, err)
	}
}

func TestRedisRateLimiterReserveReportsTimeToReset(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)
	limiter, err := NewRedisRateLimiter(rdb, 1)
	if err != nil {
		t.Fatalf("NewRedisRateLimiter() error = %v", err)
	}

	ctx := context.Background()
	if wait, err := limiter.Reserve(ctx, "ep-1"); err != nil || wait != 0 {
		t.Fatalf("Reserve() = %v, %v, want 0", wait, err)
	}
	if wait, err := limiter.Reserve(ctx, "ep-1"); err != nil || wait != time.Second {
		t.Fatalf("Reserve() = %v, %v, want 1s", wait, err)
	}

	mr.FastForward(400 * time.Millisecond)
	if wait, err := limiter.Reserve(ctx, "ep-1"); err != nil || wait != 600*time.Millisecond {
		t.Fatalf("Reserve() = %v, %v, want 600ms", wait, err)
	}
}

func TestRedisRateLimiterWait(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)
	limiter, err := NewRedisRateLimiter(rdb, 1)
	if err != nil {
		t.Fatalf("NewRedisRateLimiter() error = %v", err)
	}

	var slept []time.Duration
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		mr.FastForward(d)
		return nil
	}

	ctx := context.Background()
	if err := limiter.Wait(ctx, "ep-3"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(slept) != 0 {
		t.Fatalf("sleeps = %v, want none while under the limit", slept)
	}

	mr.FastForward(250 * time.Millisecond)
	if err := limiter.Wait(ctx, "ep-3"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(slept) != 1 || slept[0] != 750*time.Millisecond {
		t.Fatalf("sleeps = %v, want [750ms] up to the window reset", slept)
	}
}

func TestRedisRateLimiterWaitContextDeadline(t *testing.T) {
	t.Parallel()

	_, rdb := newTestRedis(t)
	limiter, err := NewRedisRateLimiter(rdb, 1)
	if err != nil {
		t.Fatalf("NewRedisRateLimiter() error = %v", err)
	}

	if allowed, err := limiter.Allow(context.Background(), "ep-1"); err != nil || !allowed {
		t.Fatalf("Allow() = %v, %v, want allowed", allowed, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	err = limiter.Wait(ctx, "ep-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestRedisRateLimiterValidation(t *testing.T) {
	t.Parallel()

	_, rdb := newTestRedis(t)
	limiter, err := NewRedisRateLimiter(rdb, 0)
	if err != nil {
		t.Fatalf("NewRedisRateLimiter() error = %v", err)
	}
	if limiter.limit != defaultLimitPerSec {
		t.Fatalf("limit = %d, want %d", limiter.limit, defaultLimitPerSec)
	}

	if _, err := limiter.Allow(context.Background(), "  "); err == nil {
		t.Fatal("Allow() with empty endpoint id, want error")
	}
	if _, err := NewRedisRateLimiter(nil, 5); err == nil {
		t.Fatal("NewRedisRateLimiter(nil) error = nil, want error")
	}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return mr, rdb
}

func newTestRedisClient(t *testing.T) *goredis.Client {
	t.Helper()

	_, rdb := newTestRedis(t)
	return rdb
}
