package models

import "time"

// Event types
const (
	EventTypeOrderCreated = "ORDER_CREATED"
	EventTypeOrderUpdated = "ORDER_UPDATED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when an order is placed
type OrderCreatedEvent struct {
	BaseEvent
	Order        Order `json:"order"`
	PricePending bool  `json:"price_pending"`
}

// OrderUpdatedEvent published when an admin patches an order
type OrderUpdatedEvent struct {
	BaseEvent
	Order Order `json:"order"`
}
