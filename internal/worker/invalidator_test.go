package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/acmeshop/checkout/internal/checkout"
	kafkax "github.com/acmeshop/checkout/internal/kafka"
)

type fakeCache struct {
	store   map[string]string
	deleted [][]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{store: map[string]string{}}
}

func (f *fakeCache) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := f.store[key]
	return ok, nil
}

func (f *fakeCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.store[key] = value
	return nil
}

func (f *fakeCache) Del(ctx context.Context, keys ...string) error {
	f.deleted = append(f.deleted, keys)
	return nil
}

func createdMessage(eventID string) kafkago.Message {
	env := checkout.Envelope{
		EventID:       eventID,
		EventType:     checkout.EventOrderCreated,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      "test",
		CorrelationID: "order-1",
		Payload: kafkax.MustMarshal(checkout.OrderCreatedPayload{
			OrderID: "order-1",
			Items:   []checkout.ItemQty{{ProductID: 1, Qty: 2}, {ProductID: 9, Qty: 1}},
		}),
	}
	return kafkago.Message{Value: kafkax.MustMarshal(env)}
}

func TestHandleEventInvalidatesProductKeys(t *testing.T) {
	cache := newFakeCache()
	inv := &Invalidator{Cache: cache, ServiceName: "test"}

	if err := inv.HandleEvent(context.Background(), createdMessage(uuid.NewString())); err != nil {
		t.Fatal(err)
	}
	if len(cache.deleted) != 1 {
		t.Fatalf("want one Del call, got %d", len(cache.deleted))
	}
	keys := cache.deleted[0]
	want := map[string]bool{"products:all": true, "product:1": true, "product:9": true}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v", keys)
	}
	for _, k := range keys {
		if !want[k] {
			t.Errorf("unexpected key %q", k)
		}
	}
}

func TestHandleEventDedupsByEventID(t *testing.T) {
	cache := newFakeCache()
	inv := &Invalidator{Cache: cache, ServiceName: "test"}

	m := createdMessage("event-1")
	if err := inv.HandleEvent(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if err := inv.HandleEvent(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if len(cache.deleted) != 1 {
		t.Fatalf("redelivery must be deduped, got %d Del calls", len(cache.deleted))
	}
}

func TestHandleEventIgnoresUnknownTypes(t *testing.T) {
	cache := newFakeCache()
	inv := &Invalidator{Cache: cache, ServiceName: "test"}

	env := checkout.Envelope{
		EventID:   uuid.NewString(),
		EventType: "SomethingElse",
		Payload:   kafkax.MustMarshal(map[string]string{}),
	}
	if err := inv.HandleEvent(context.Background(), kafkago.Message{Value: kafkax.MustMarshal(env)}); err != nil {
		t.Fatal(err)
	}
	if len(cache.deleted) != 0 {
		t.Fatalf("unexpected Del calls: %v", cache.deleted)
	}
}
