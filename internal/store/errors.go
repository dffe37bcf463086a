package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a product or order does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateOrderID is returned when the human-readable order id is taken.
	ErrDuplicateOrderID = errors.New("order id already exists")

	// ErrDuplicateIdempotencyKey is returned when an order with the same key was
	// created inside the deduplication window.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
)

// InsufficientStockError reports the stock left when a decrement is refused.
type InsufficientStockError struct {
	ProductID string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: available=%d, requested=%d",
		e.ProductID, e.Available, e.Requested)
}
