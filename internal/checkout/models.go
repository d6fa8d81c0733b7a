package checkout

import "time"

type Product struct {
	ID         int64
	Name       string
	PriceCents int64
}

// InventoryRecord tracks stock per SKU. reserved never exceeds on_hand;
// the table carries a check constraint to that effect.
type InventoryRecord struct {
	SKUID     int64
	OnHand    int
	Reserved  int
	UpdatedAt time.Time
}

type Order struct {
	ID                string
	Email             *string
	UserID            *string
	TotalCents        int64
	Status            Status
	PaymentSessionID  *string
	InventoryReserved bool
	ReservedUntil     time.Time
	CreatedAt         time.Time
}

type OrderItem struct {
	OrderID    string
	ProductID  int64
	Quantity   int
	PriceCents int64
}

// ItemInput is the untrusted client shape: id and quantity only, no price.
type ItemInput struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

// Line is a validated, merged checkout line.
type Line struct {
	ProductID int64
	Quantity  int
}

type CheckoutRequest struct {
	Items []ItemInput `json:"items"`
	Email string      `json:"email,omitempty"`
}

// PricedLine carries the authoritative name and price read under lock.
type PricedLine struct {
	ProductID  int64
	Name       string
	Quantity   int
	PriceCents int64
}

// ReservedOrder is the committed result of the reservation transaction.
type ReservedOrder struct {
	OrderID       string
	TotalCents    int64
	Lines         []PricedLine
	ReservedUntil time.Time
}
