package redisx

import "time"

const (
	// Checkout attempt counter: ratelimit:checkout:{identity}
	KeyRateLimitCheckout = "ratelimit:checkout:%s"

	// Catalog cache entries, invalidated by the worker on checkout events.
	KeyProduct     = "product:%d"
	KeyProductsAll = "products:all"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLDedup = 48 * time.Hour
)
