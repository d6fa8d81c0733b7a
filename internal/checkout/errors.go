package checkout

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidInput marks client-fixable request problems. Wrap it with detail:
// fmt.Errorf("%w: quantity must be between 1 and 100", ErrInvalidInput).
var ErrInvalidInput = errors.New("invalid input")

// ProductNotFoundError aborts the whole batch and names every missing id.
type ProductNotFoundError struct {
	IDs []int64
}

func (e *ProductNotFoundError) Error() string {
	parts := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return "products not found: " + strings.Join(parts, ", ")
}

// OutOfStockError is a business condition, not a bug: the conditional
// reservation update matched zero rows for this product.
type OutOfStockError struct {
	ProductID int64
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d", e.ProductID)
}

type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many checkout attempts, retry in %ds", int(e.RetryAfter.Seconds()))
}

// PaymentError wraps an external provider failure. By the time it surfaces
// the reservation has already been compensated.
type PaymentError struct {
	Err error
}

func (e *PaymentError) Error() string { return "payment session: " + e.Err.Error() }
func (e *PaymentError) Unwrap() error { return e.Err }
