package checkout

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/acmeshop/checkout/internal/kafka"
)

// Store is what the orchestration needs from the persistence layer.
// *Repo satisfies it.
type Store interface {
	ReserveAndCreateOrder(ctx context.Context, email, userID *string, lines []Line, ttl time.Duration) (*ReservedOrder, error)
	SavePaymentSession(ctx context.Context, orderID, sessionID string) error
	ReleaseOrder(ctx context.Context, orderID string, to Status) ([]ItemQty, error)
	OverdueOrders(ctx context.Context, limit int) ([]string, error)
}

// RateLimiter gates checkout attempts per identity. A limited attempt is
// reported as *RateLimitedError.
type RateLimiter interface {
	Allow(ctx context.Context, identity string) error
}

// PaymentSession is the provider's hosted session the shopper is sent to.
type PaymentSession struct {
	ID  string
	URL string
}

type PaymentLine struct {
	Name            string
	Quantity        int
	UnitAmountCents int64
}

type PaymentRequest struct {
	Reference string // order id
	Email     *string
	Lines     []PaymentLine
	ExpiresAt time.Time
}

// PaymentGateway creates sessions with the external provider. The call is a
// network round trip with unpredictable latency and must never run inside
// the reservation transaction.
type PaymentGateway interface {
	CreateSession(ctx context.Context, req PaymentRequest) (*PaymentSession, error)
}

// Publisher matches the async kafka producer.
type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type Service struct {
	Store   Store
	Limiter RateLimiter
	Gateway PaymentGateway

	ProducerCreated   Publisher
	ProducerCancelled Publisher
	ProducerExpired   Publisher

	ServiceName    string
	ReservationTTL time.Duration
	SweepBatch     int
}

type CheckoutResult struct {
	OrderID string
	URL     string
}

// Checkout runs the whole flow: rate limit, validate and merge, reserve in
// one transaction, then create the payment session. A provider failure after
// the commit triggers the compensating release before the error propagates.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest, userID, identity string) (*CheckoutResult, error) {
	if err := s.Limiter.Allow(ctx, identity); err != nil {
		return nil, err
	}

	lines, err := ValidateAndMerge(req.Items)
	if err != nil {
		return nil, err
	}

	var email *string
	if req.Email != "" {
		email = &req.Email
	}
	var uid *string
	if userID != "" {
		uid = &userID
	}

	res, err := s.Store.ReserveAndCreateOrder(ctx, email, uid, lines, s.ReservationTTL)
	if err != nil {
		return nil, err
	}
	s.publishCreated(res)

	sess, err := s.Gateway.CreateSession(ctx, PaymentRequest{
		Reference: res.OrderID,
		Email:     email,
		Lines:     toPaymentLines(res.Lines),
		ExpiresAt: res.ReservedUntil,
	})
	if err != nil {
		// Committed state must be undone with a second transaction; there is
		// no open transaction left to roll back.
		items, relErr := s.Store.ReleaseOrder(ctx, res.OrderID, StatusCancelled)
		if relErr != nil {
			log.Printf("CRITICAL: release after payment failure order=%s: %v", res.OrderID, relErr)
		} else {
			s.publishCancelled(res.OrderID, "PAYMENT_FAILED", items)
		}
		return nil, &PaymentError{Err: err}
	}

	if err := s.Store.SavePaymentSession(ctx, res.OrderID, sess.ID); err != nil {
		return nil, err
	}
	return &CheckoutResult{OrderID: res.OrderID, URL: sess.URL}, nil
}

// ReleaseExpired gives back stock held by pending orders whose reservation
// window lapsed without reaching a terminal state. Safe to run concurrently
// with checkouts and with itself.
func (s *Service) ReleaseExpired(ctx context.Context) (int, error) {
	ids, err := s.Store.OverdueOrders(ctx, s.SweepBatch)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, id := range ids {
		items, err := s.Store.ReleaseOrder(ctx, id, StatusExpired)
		if err != nil {
			log.Printf("release expired order=%s: %v", id, err)
			continue
		}
		if items == nil {
			continue // raced with another releaser
		}
		released++
		s.publishExpired(id, items)
	}
	return released, nil
}

// RunSweeper drives ReleaseExpired on a ticker until the context ends.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := s.ReleaseExpired(ctx); err != nil {
				log.Printf("expiry sweep: %v", err)
			} else if n > 0 {
				log.Printf("expiry sweep released %d orders", n)
			}
		}
	}
}

func toPaymentLines(lines []PricedLine) []PaymentLine {
	out := make([]PaymentLine, len(lines))
	for i, l := range lines {
		out[i] = PaymentLine{Name: l.Name, Quantity: l.Quantity, UnitAmountCents: l.PriceCents}
	}
	return out
}

func toItemQtys(lines []PricedLine) []ItemQty {
	out := make([]ItemQty, len(lines))
	for i, l := range lines {
		out[i] = ItemQty{ProductID: l.ProductID, Qty: l.Quantity}
	}
	return out
}

func (s *Service) publishCreated(res *ReservedOrder) {
	s.publish(s.ProducerCreated, EventOrderCreated, res.OrderID, OrderCreatedPayload{
		OrderID:       res.OrderID,
		Items:         toItemQtys(res.Lines),
		TotalCents:    res.TotalCents,
		ReservedUntil: res.ReservedUntil,
	})
}

func (s *Service) publishCancelled(orderID, reason string, items []ItemQty) {
	s.publish(s.ProducerCancelled, EventOrderCancelled, orderID, OrderCancelledPayload{
		OrderID: orderID, Reason: reason, Items: items,
	})
}

func (s *Service) publishExpired(orderID string, items []ItemQty) {
	s.publish(s.ProducerExpired, EventOrderExpired, orderID, OrderExpiredPayload{
		OrderID: orderID, Items: items,
	})
}

// publish is fire-and-forget: event delivery never changes a checkout outcome.
func (s *Service) publish(p Publisher, eventType, orderID string, payload any) {
	if p == nil {
		return
	}
	ev := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.ServiceName,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
	p.Publish(PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
