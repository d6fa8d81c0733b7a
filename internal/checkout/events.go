package checkout

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCreated   = "OrderCreated"
	EventOrderCancelled = "OrderCancelled"
	EventOrderExpired   = "OrderExpired"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

type ItemQty struct {
	ProductID int64 `json:"product_id"`
	Qty       int   `json:"qty"`
}

type OrderCreatedPayload struct {
	OrderID       string    `json:"order_id"`
	Items         []ItemQty `json:"items"`
	TotalCents    int64     `json:"total_cents"`
	ReservedUntil time.Time `json:"reserved_until"`
}

type OrderCancelledPayload struct {
	OrderID string    `json:"order_id"`
	Reason  string    `json:"reason"` // e.g. PAYMENT_FAILED
	Items   []ItemQty `json:"items"`
}

type OrderExpiredPayload struct {
	OrderID string    `json:"order_id"`
	Items   []ItemQty `json:"items"`
}
