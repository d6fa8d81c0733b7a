package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/acmeshop/checkout/internal/checkout"
	kafkax "github.com/acmeshop/checkout/internal/kafka"
	"github.com/acmeshop/checkout/internal/redisx"
)

// Cache is the slice of redis the invalidator uses.
type Cache interface {
	Exists(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type RedisCache struct{ C *redis.Client }

func (r *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.C.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.C.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) Del(ctx context.Context, keys ...string) error {
	return r.C.Del(ctx, keys...).Err()
}

// Invalidator drops catalog cache entries when checkout lifecycle events
// change effective availability. The cache is a passive target: this worker
// never writes domain state.
type Invalidator struct {
	Cache       Cache
	ServiceName string
}

// HandleEvent is the kafka consumer handler for all three lifecycle topics.
func (s *Invalidator) HandleEvent(ctx context.Context, m kafkago.Message) error {
	var env checkout.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}

	// dedup by event_id: at-least-once delivery, cache DELs are cheap but
	// the bookkeeping keeps redeliveries out of the logs
	dkey := fmt.Sprintf(redisx.KeyDedup, "cache-invalidator", env.EventID)
	if exists, _ := s.Cache.Exists(ctx, dkey); exists {
		return nil
	}
	_ = s.Cache.Set(ctx, dkey, "1", redisx.TTLDedup)

	items, err := eventItems(env)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil // not a lifecycle event we care about
	}

	keys := make([]string, 0, len(items)+1)
	keys = append(keys, redisx.KeyProductsAll)
	for _, it := range items {
		keys = append(keys, fmt.Sprintf(redisx.KeyProduct, it.ProductID))
	}
	if err := s.Cache.Del(ctx, keys...); err != nil {
		return err
	}
	log.Printf("invalidated %d cache keys event=%s order=%s", len(keys), env.EventType, env.CorrelationID)
	return nil
}

func eventItems(env checkout.Envelope) ([]checkout.ItemQty, error) {
	switch env.EventType {
	case checkout.EventOrderCreated:
		p, err := kafkax.UnwrapPayload[checkout.OrderCreatedPayload](env.Payload)
		return p.Items, err
	case checkout.EventOrderCancelled:
		p, err := kafkax.UnwrapPayload[checkout.OrderCancelledPayload](env.Payload)
		return p.Items, err
	case checkout.EventOrderExpired:
		p, err := kafkax.UnwrapPayload[checkout.OrderExpiredPayload](env.Payload)
		return p.Items, err
	default:
		return nil, nil
	}
}
