package ratelimit

import "context"

// RateLimiter throttles outbound calls per key, e.g. per endpoint id.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Wait(ctx context.Context, key string) error
}
