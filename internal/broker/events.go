package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"campus-store/internal/models"
	"campus-store/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events to Kafka
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.Order.OrderID), event)
}

// PublishOrderUpdated publishes OrderUpdated event
func (ep *EventPublisher) PublishOrderUpdated(ctx context.Context, event *models.OrderUpdatedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.Order.OrderID), event)
}

func orderKey(orderID string) string {
	return "order-" + orderID
}

// LocalPublisher delivers events straight to an EventHandler in-process. It is
// used when no Kafka brokers are configured and goes through the same JSON
// encoding as the Kafka path.
type LocalPublisher struct {
	handler *EventHandler
}

// NewLocalPublisher creates a publisher that dispatches to handler
func NewLocalPublisher(handler *EventHandler) *LocalPublisher {
	return &LocalPublisher{handler: handler}
}

// PublishOrderCreated dispatches an OrderCreated event
func (lp *LocalPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return lp.dispatch(ctx, orderKey(event.Order.OrderID), event)
}

// PublishOrderUpdated dispatches an OrderUpdated event
func (lp *LocalPublisher) PublishOrderUpdated(ctx context.Context, event *models.OrderUpdatedEvent) error {
	return lp.dispatch(ctx, orderKey(event.Order.OrderID), event)
}

func (lp *LocalPublisher) dispatch(ctx context.Context, key string, event interface{}) error {
	msg, err := encodeEvent(key, event)
	if err != nil {
		return err
	}
	return lp.handler.HandleMessage(ctx, msg)
}

// EventHandler handles incoming events
type EventHandler struct {
	mu             sync.RWMutex
	onOrderCreated []func(context.Context, *models.OrderCreatedEvent) error
	onOrderUpdated []func(context.Context, *models.OrderUpdatedEvent) error
	logger         *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnOrderCreated registers a handler for OrderCreated events
func (eh *EventHandler) OnOrderCreated(handler func(context.Context, *models.OrderCreatedEvent) error) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.onOrderCreated = append(eh.onOrderCreated, handler)
}

// OnOrderUpdated registers a handler for OrderUpdated events
func (eh *EventHandler) OnOrderUpdated(handler func(context.Context, *models.OrderUpdatedEvent) error) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.onOrderUpdated = append(eh.onOrderUpdated, handler)
}

// HandleMessage routes messages to appropriate handlers. Every registered
// handler runs; their errors are joined.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	eh.mu.RLock()
	created := eh.onOrderCreated
	updated := eh.onOrderUpdated
	eh.mu.RUnlock()

	var errs []error
	switch baseEvent.EventType {
	case models.EventTypeOrderCreated:
		var event models.OrderCreatedEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return fmt.Errorf("failed to unmarshal OrderCreated event: %w", err)
		}
		for _, h := range created {
			if err := h(ctx, &event); err != nil {
				errs = append(errs, err)
			}
		}

	case models.EventTypeOrderUpdated:
		var event models.OrderUpdatedEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return fmt.Errorf("failed to unmarshal OrderUpdated event: %w", err)
		}
		for _, h := range updated {
			if err := h(ctx, &event); err != nil {
				errs = append(errs, err)
			}
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return errors.Join(errs...)
}
