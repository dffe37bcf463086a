package worker

import (
	"context"

	"campus-store/internal/broker"
	"campus-store/internal/util"

	"go.uber.org/zap"
)

// OrderEventsWorker consumes order events from Kafka and hands them to the
// registered event handlers (CSV export, admin stream).
type OrderEventsWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewOrderEventsWorker creates a new order events worker
func NewOrderEventsWorker(consumer *broker.Consumer, eventHandler *broker.EventHandler) *OrderEventsWorker {
	return &OrderEventsWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start blocks consuming until ctx is done
func (w *OrderEventsWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting order events worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *OrderEventsWorker) Stop() error {
	w.logger.Info("Stopping order events worker")
	return w.consumer.Close()
}
