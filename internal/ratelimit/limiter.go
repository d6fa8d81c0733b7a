package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acmeshop/checkout/internal/checkout"
	"github.com/acmeshop/checkout/internal/redisx"
)

// Counter is the shared-state primitive the fixed window needs. Injected so
// multi-instance deployments point every instance at the same store; an
// in-process counter would degrade the guarantee to per-instance limiting.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// FixedWindow counts attempts per key in fixed buckets: INCR, and the first
// increment of a bucket starts its expiry. Intentionally permissive at
// window boundaries in exchange for O(1) state per key.
type FixedWindow struct {
	Counter Counter
	Window  time.Duration
	Ceiling int64
}

func (l *FixedWindow) Allow(ctx context.Context, key string) error {
	n, err := l.Counter.Incr(ctx, key)
	if err != nil {
		// Counter store down: fail open, the reservation itself still
		// guards stock.
		log.Printf("rate limiter incr %s: %v", key, err)
		return nil
	}
	if n == 1 {
		if err := l.Counter.Expire(ctx, key, l.Window); err != nil {
			log.Printf("rate limiter expire %s: %v", key, err)
		}
	}
	if n > l.Ceiling {
		retry := l.Window
		if ttl, err := l.Counter.TTL(ctx, key); err == nil && ttl > 0 {
			retry = ttl
		}
		return &checkout.RateLimitedError{RetryAfter: retry}
	}
	return nil
}

// RedisCounter backs the window with shared redis state, namespacing keys
// under the checkout rate-limit prefix.
type RedisCounter struct{ C *redis.Client }

func (r *RedisCounter) Incr(ctx context.Context, key string) (int64, error) {
	return r.C.Incr(ctx, fmt.Sprintf(redisx.KeyRateLimitCheckout, key)).Result()
}

func (r *RedisCounter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.C.Expire(ctx, fmt.Sprintf(redisx.KeyRateLimitCheckout, key), ttl).Err()
}

func (r *RedisCounter) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.C.TTL(ctx, fmt.Sprintf(redisx.KeyRateLimitCheckout, key)).Result()
}
