package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

type fakeStore struct {
	reserved   *ReservedOrder
	reserveErr error
	gotLines   []Line

	sessions map[string]string
	saveErr  error

	releasable map[string][]ItemQty // order id -> lines still held
	released   []string
	releasedTo []Status
	releaseErr error

	overdue []string
}

func (f *fakeStore) ReserveAndCreateOrder(ctx context.Context, email, userID *string, lines []Line, ttl time.Duration) (*ReservedOrder, error) {
	f.gotLines = lines
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}
	return f.reserved, nil
}

func (f *fakeStore) SavePaymentSession(ctx context.Context, orderID, sessionID string) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	if f.sessions == nil {
		f.sessions = map[string]string{}
	}
	f.sessions[orderID] = sessionID
	return nil
}

func (f *fakeStore) ReleaseOrder(ctx context.Context, orderID string, to Status) ([]ItemQty, error) {
	if f.releaseErr != nil {
		return nil, f.releaseErr
	}
	items, ok := f.releasable[orderID]
	if !ok {
		return nil, nil
	}
	delete(f.releasable, orderID)
	f.released = append(f.released, orderID)
	f.releasedTo = append(f.releasedTo, to)
	return items, nil
}

func (f *fakeStore) OverdueOrders(ctx context.Context, limit int) ([]string, error) {
	return f.overdue, nil
}

type fakeLimiter struct {
	err   error
	calls int
}

func (f *fakeLimiter) Allow(ctx context.Context, identity string) error {
	f.calls++
	return f.err
}

type fakeGateway struct {
	sess   *PaymentSession
	err    error
	gotReq PaymentRequest
	calls  int
}

func (f *fakeGateway) CreateSession(ctx context.Context, req PaymentRequest) (*PaymentSession, error) {
	f.calls++
	f.gotReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.sess, nil
}

type fakePublisher struct {
	events []Envelope
}

func (f *fakePublisher) Publish(key, value []byte, headers ...kafkago.Header) {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		panic(err)
	}
	f.events = append(f.events, env)
}

func newTestService(store *fakeStore, gw *fakeGateway, lim *fakeLimiter) (*Service, *fakePublisher, *fakePublisher, *fakePublisher) {
	created, cancelled, expired := &fakePublisher{}, &fakePublisher{}, &fakePublisher{}
	return &Service{
		Store:             store,
		Limiter:           lim,
		Gateway:           gw,
		ProducerCreated:   created,
		ProducerCancelled: cancelled,
		ProducerExpired:   expired,
		ServiceName:       "test",
		ReservationTTL:    30 * time.Minute,
		SweepBatch:        100,
	}, created, cancelled, expired
}

func reservedFixture() *ReservedOrder {
	return &ReservedOrder{
		OrderID:    "order-1",
		TotalCents: 2500,
		Lines: []PricedLine{
			{ProductID: 5, Name: "mount", Quantity: 5, PriceCents: 500},
		},
		ReservedUntil: time.Now().Add(30 * time.Minute),
	}
}

func TestCheckoutSuccess(t *testing.T) {
	store := &fakeStore{reserved: reservedFixture()}
	gw := &fakeGateway{sess: &PaymentSession{ID: "cs_1", URL: "https://pay.example.com/cs_1"}}
	svc, created, cancelled, _ := newTestService(store, gw, &fakeLimiter{})

	res, err := svc.Checkout(context.Background(), CheckoutRequest{
		Items: []ItemInput{{ProductID: 5, Quantity: 2}, {ProductID: 5, Quantity: 3}},
	}, "", "ip:1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if res.URL != "https://pay.example.com/cs_1" || res.OrderID != "order-1" {
		t.Fatalf("unexpected result %+v", res)
	}

	// merged once: a single line of qty 5 reaches the store
	if len(store.gotLines) != 1 || store.gotLines[0] != (Line{ProductID: 5, Quantity: 5}) {
		t.Fatalf("merge not applied, store got %+v", store.gotLines)
	}
	if store.sessions["order-1"] != "cs_1" {
		t.Fatalf("session not saved: %v", store.sessions)
	}
	if len(created.events) != 1 || created.events[0].EventType != EventOrderCreated {
		t.Fatalf("want one OrderCreated event, got %+v", created.events)
	}
	if len(cancelled.events) != 0 {
		t.Fatalf("unexpected cancellation events: %+v", cancelled.events)
	}
	// payment request is built from authoritative lines, never the request
	if gw.gotReq.Lines[0].UnitAmountCents != 500 || gw.gotReq.Reference != "order-1" {
		t.Fatalf("unexpected payment request %+v", gw.gotReq)
	}
}

func TestCheckoutPaymentFailureCompensates(t *testing.T) {
	store := &fakeStore{
		reserved:   reservedFixture(),
		releasable: map[string][]ItemQty{"order-1": {{ProductID: 5, Qty: 5}}},
	}
	gw := &fakeGateway{err: errors.New("provider timeout")}
	svc, _, cancelled, _ := newTestService(store, gw, &fakeLimiter{})

	_, err := svc.Checkout(context.Background(), CheckoutRequest{
		Items: []ItemInput{{ProductID: 5, Quantity: 5}},
	}, "u1", "user:u1")

	var payErr *PaymentError
	if !errors.As(err, &payErr) {
		t.Fatalf("want PaymentError, got %v", err)
	}
	if len(store.released) != 1 || store.released[0] != "order-1" || store.releasedTo[0] != StatusCancelled {
		t.Fatalf("compensation not run: released=%v to=%v", store.released, store.releasedTo)
	}
	if len(store.sessions) != 0 {
		t.Fatalf("session must not be saved on failure: %v", store.sessions)
	}
	if len(cancelled.events) != 1 || cancelled.events[0].EventType != EventOrderCancelled {
		t.Fatalf("want one OrderCancelled event, got %+v", cancelled.events)
	}
}

func TestCheckoutRateLimitedBeforeAnyWork(t *testing.T) {
	store := &fakeStore{reserved: reservedFixture()}
	gw := &fakeGateway{sess: &PaymentSession{ID: "cs_1", URL: "u"}}
	lim := &fakeLimiter{err: &RateLimitedError{RetryAfter: 45 * time.Second}}
	svc, _, _, _ := newTestService(store, gw, lim)

	_, err := svc.Checkout(context.Background(), CheckoutRequest{
		Items: []ItemInput{{ProductID: 1, Quantity: 1}},
	}, "", "ip:1.2.3.4")

	var rle *RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("want RateLimitedError, got %v", err)
	}
	if store.gotLines != nil {
		t.Fatal("store must not be touched when rate limited")
	}
	if gw.calls != 0 {
		t.Fatal("gateway must not be called when rate limited")
	}
}

func TestCheckoutInvalidInputBeforeTransaction(t *testing.T) {
	store := &fakeStore{reserved: reservedFixture()}
	svc, _, _, _ := newTestService(store, &fakeGateway{}, &fakeLimiter{})

	_, err := svc.Checkout(context.Background(), CheckoutRequest{
		Items: []ItemInput{{ProductID: 1, Quantity: 0}},
	}, "", "ip:1.2.3.4")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput, got %v", err)
	}
	if store.gotLines != nil {
		t.Fatal("store must not be touched on invalid input")
	}
}

func TestCheckoutOutOfStockPropagates(t *testing.T) {
	store := &fakeStore{reserveErr: &OutOfStockError{ProductID: 7}}
	gw := &fakeGateway{}
	svc, created, _, _ := newTestService(store, gw, &fakeLimiter{})

	_, err := svc.Checkout(context.Background(), CheckoutRequest{
		Items: []ItemInput{{ProductID: 7, Quantity: 3}},
	}, "", "ip:1.2.3.4")

	var oos *OutOfStockError
	if !errors.As(err, &oos) || oos.ProductID != 7 {
		t.Fatalf("want OutOfStockError(7), got %v", err)
	}
	if gw.calls != 0 {
		t.Fatal("gateway must not be called when reservation fails")
	}
	if len(created.events) != 0 {
		t.Fatal("no event may be published for a rolled-back reservation")
	}
}

func TestReleaseExpired(t *testing.T) {
	store := &fakeStore{
		overdue: []string{"a", "b"},
		// "b" already released by a concurrent sweep: ReleaseOrder returns nil items
		releasable: map[string][]ItemQty{"a": {{ProductID: 3, Qty: 2}}},
	}
	svc, _, _, expired := newTestService(store, &fakeGateway{}, &fakeLimiter{})

	n, err := svc.ReleaseExpired(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("want 1 released, got %d", n)
	}
	if store.releasedTo[0] != StatusExpired {
		t.Fatalf("want expired status, got %v", store.releasedTo[0])
	}
	if len(expired.events) != 1 || expired.events[0].EventType != EventOrderExpired {
		t.Fatalf("want one OrderExpired event, got %+v", expired.events)
	}
}
