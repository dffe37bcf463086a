package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"campus-store/internal/models"
	"campus-store/internal/store"
	"campus-store/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// DefaultAuditLimit caps audit listings when the caller gives no limit.
const DefaultAuditLimit = 100

// AdminService backs the admin dashboard: order triage and the audit trail
type AdminService struct {
	orders    OrderRepository
	audit     AuditLog
	publisher Publisher
	now       func() time.Time
	logger    *zap.Logger
}

// NewAdminService creates a new admin service
func NewAdminService(orders OrderRepository, audit AuditLog, publisher Publisher) *AdminService {
	return &AdminService{
		orders:    orders,
		audit:     audit,
		publisher: publisher,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// ListOrders returns orders matching filter, newest first
func (s *AdminService) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error) {
	if filter.Status != "" {
		status, err := models.ParseOrderStatus(filter.Status)
		if err != nil {
			return nil, newOrderError(CodeValidation, err.Error(), err)
		}
		filter.Status = string(status)
	}

	orders, err := s.orders.ListOrders(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

// GetOrder retrieves an order by its human-readable id
func (s *AdminService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.orders.GetOrderByOrderID(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// UpdateOrder applies an admin patch. Any of the five statuses may follow any
// other; an unknown order id mutates nothing.
func (s *AdminService) UpdateOrder(ctx context.Context, orderID string, patch models.OrderPatch) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "AdminService.UpdateOrder", attribute.String("order.order_id", orderID))
	defer span.End()

	order, err := s.orders.UpdateOrder(ctx, orderID, patch, s.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to update order: %w", err)
	}

	util.OrdersUpdatedTotal.WithLabelValues(string(order.Status)).Inc()
	s.logger.Info("Order updated",
		zap.String("order_id", order.OrderID),
		zap.String("status", string(order.Status)),
		zap.Bool("closed", order.Status.IsTerminal()),
		zap.Bool("price_pending", order.PricePending))

	if s.publisher != nil {
		event := &models.OrderUpdatedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeOrderUpdated,
				Timestamp: s.now().UTC(),
			},
			Order: *order,
		}
		if err := s.publisher.PublishOrderUpdated(ctx, event); err != nil {
			util.OrderEventsPublishFailedTotal.WithLabelValues(models.EventTypeOrderUpdated).Inc()
			s.logger.Error("Failed to publish OrderUpdated event",
				zap.String("order_id", order.OrderID),
				zap.Error(err))
		}
	}

	return order, nil
}

// ListAudit returns the newest audit entries
func (s *AdminService) ListAudit(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	entries, err := s.audit.ListAudit(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}
