package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"campus-store/internal/models"
	"campus-store/internal/store"
	"campus-store/internal/util"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Catalog is the product store the workflow reserves stock against.
// DecrementStock must check and take stock atomically.
type Catalog interface {
	ListProducts(ctx context.Context) ([]models.Product, error)
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	DecrementStock(ctx context.Context, id string, quantity int) (*models.Product, error)
	RestoreStock(ctx context.Context, id string, quantity int) error
}

// OrderRepository persists orders
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order, dedupeSince time.Time) error
	OrderIDExists(ctx context.Context, orderID string) (bool, error)
	GetOrderByOrderID(ctx context.Context, orderID string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string, since time.Time) (*models.Order, error)
	ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error)
	UpdateOrder(ctx context.Context, orderID string, patch models.OrderPatch, now time.Time) (*models.Order, error)
}

// AuditLog is the append-only record of placement attempts
type AuditLog interface {
	RecordAudit(ctx context.Context, entry *models.AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]models.AuditEntry, error)
}

// Publisher fans order events out to the export and the admin stream
type Publisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderUpdated(ctx context.Context, event *models.OrderUpdatedEvent) error
}

// Settings holds the business knobs of the placement workflow
type Settings struct {
	IdempotencyWindow     time.Duration
	PendingPriceThreshold decimal.Decimal
	OrderIDMaxAttempts    int
	Location              *time.Location
}

// DefaultSettings returns a 24h idempotency window, a 9999 pending-price
// threshold, three order id attempts and India Standard Time.
func DefaultSettings() Settings {
	return Settings{
		IdempotencyWindow:     24 * time.Hour,
		PendingPriceThreshold: models.DefaultPendingPriceThreshold,
		OrderIDMaxAttempts:    3,
		Location:              LoadOrderLocation("Asia/Kolkata"),
	}
}

// OrderService runs the order placement workflow
type OrderService struct {
	catalog   Catalog
	orders    OrderRepository
	audit     AuditLog
	publisher Publisher
	locker    Locker
	ids       *OrderIDGenerator
	validate  *validator.Validate
	settings  Settings
	now       func() time.Time
	logger    *zap.Logger
}

// NewOrderService creates a new order service. A nil locker falls back to an
// in-process keyed mutex; a nil publisher disables events.
func NewOrderService(
	catalog Catalog,
	orders OrderRepository,
	audit AuditLog,
	publisher Publisher,
	locker Locker,
	settings Settings,
) *OrderService {
	defaults := DefaultSettings()
	if settings.IdempotencyWindow <= 0 {
		settings.IdempotencyWindow = defaults.IdempotencyWindow
	}
	if !settings.PendingPriceThreshold.IsPositive() {
		settings.PendingPriceThreshold = defaults.PendingPriceThreshold
	}
	if settings.OrderIDMaxAttempts <= 0 {
		settings.OrderIDMaxAttempts = defaults.OrderIDMaxAttempts
	}
	if settings.Location == nil {
		settings.Location = defaults.Location
	}
	if locker == nil {
		locker = NewLocalLocker()
	}

	return &OrderService{
		catalog:   catalog,
		orders:    orders,
		audit:     audit,
		publisher: publisher,
		locker:    locker,
		ids:       NewOrderIDGenerator(settings.Location),
		validate:  newValidator(),
		settings:  settings,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// CreateOrderRequest is the checkout form submitted by the storefront
type CreateOrderRequest struct {
	CustomerName   string             `json:"customer_name" validate:"required,max=120"`
	Address        string             `json:"address" validate:"required,max=500"`
	MobileNumber   string             `json:"mobile_number" validate:"required,max=20"`
	WhatsappNumber string             `json:"whatsapp_number" validate:"required,max=20"`
	StudentRoll    string             `json:"student_roll" validate:"required,max=40"`
	Department     string             `json:"department" validate:"required,max=80"`
	Year           string             `json:"year" validate:"required,max=20"`
	Section        string             `json:"section" validate:"required,max=20"`
	Items          []OrderItemRequest `json:"items" validate:"required,min=1,dive"`
}

// MaxItemQuantity bounds a single line item; keep in sync with the max tag below.
const MaxItemQuantity = 1000

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ID       string `json:"id" validate:"required,max=100"`
	Quantity int    `json:"quantity" validate:"required,min=1,max=1000"`
}

func (r *CreateOrderRequest) normalize() {
	for _, f := range []*string{
		&r.CustomerName, &r.Address, &r.MobileNumber, &r.WhatsappNumber,
		&r.StudentRoll, &r.Department, &r.Year, &r.Section,
	} {
		*f = strings.TrimSpace(*f)
	}
	for i := range r.Items {
		r.Items[i].ID = strings.TrimSpace(r.Items[i].ID)
	}
}

// RequestMeta is what the transport knows about a submission besides the form
type RequestMeta struct {
	IdempotencyKey string
	IPAddress      string
	UserAgent      string
	// Payload is the raw request body, stored verbatim in the audit log.
	Payload json.RawMessage
}

// CreateOrderResult is the outcome of a successful submission
type CreateOrderResult struct {
	Order        *models.Order
	PricePending bool
	// Replayed is true when an earlier order with the same idempotency key was returned.
	Replayed bool
	Message  string
}

type reservation struct {
	product  *models.Product
	quantity int
}

// CreateOrder validates the cart, reserves stock, prices the order, assigns an
// order id and persists it. Any failure after stock was taken gives it back.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest, meta RequestMeta) (*CreateOrderResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	start := time.Now()
	defer func() {
		util.OrderPlacementLatency.Observe(time.Since(start).Seconds())
	}()

	req.normalize()
	key := strings.TrimSpace(meta.IdempotencyKey)
	now := s.now().UTC()

	if err := s.validateRequest(req); err != nil {
		return nil, s.fail(ctx, span, req, meta, "", err)
	}

	if key != "" {
		span.SetAttributes(attribute.String("order.idempotency_key", key))

		unlock, err := s.locker.Lock(ctx, key)
		if err != nil {
			return nil, s.fail(ctx, span, req, meta, "", newOrderError(CodeInternal, "Failed to acquire idempotency lock", err))
		}
		defer unlock()

		existing, err := s.orders.GetOrderByIdempotencyKey(ctx, key, now.Add(-s.settings.IdempotencyWindow))
		if err != nil {
			return nil, s.fail(ctx, span, req, meta, "", newOrderError(CodeInternal, "Failed to check idempotency", err))
		}
		if existing != nil {
			return s.replay(ctx, existing, req, meta), nil
		}
	}

	reserved, err := s.reserveStock(ctx, req.Items)
	if err != nil {
		return nil, s.fail(ctx, span, req, meta, "", err)
	}

	order := s.buildOrder(req, reserved, key, now)

	orderID, err := s.assignOrderID(ctx, now)
	if err != nil {
		s.compensate(ctx, reserved)
		return nil, s.fail(ctx, span, req, meta, "", err)
	}
	order.OrderID = orderID
	span.SetAttributes(attribute.String("order.order_id", orderID))

	if err := s.orders.CreateOrder(ctx, order, now.Add(-s.settings.IdempotencyWindow)); err != nil {
		s.compensate(ctx, reserved)

		switch {
		case errors.Is(err, store.ErrDuplicateIdempotencyKey):
			existing, lookupErr := s.orders.GetOrderByIdempotencyKey(ctx, key, now.Add(-s.settings.IdempotencyWindow))
			if lookupErr == nil && existing != nil {
				return s.replay(ctx, existing, req, meta), nil
			}
			return nil, s.fail(ctx, span, req, meta, orderID, newOrderError(CodeInsert, "Failed to create order", err))
		case errors.Is(err, store.ErrDuplicateOrderID):
			util.OrderIDCollisionsTotal.Inc()
			return nil, s.fail(ctx, span, req, meta, orderID, newOrderError(CodeOrderIDCollision, "Failed to generate unique order ID", err))
		default:
			return nil, s.fail(ctx, span, req, meta, orderID, newOrderError(CodeInsert, "Failed to create order", err))
		}
	}

	util.OrdersCreatedTotal.Inc()
	if order.PricePending {
		util.OrdersPricePendingTotal.Inc()
	}
	s.logger.Info("Order created",
		zap.String("order_id", order.OrderID),
		zap.String("student_roll", order.StudentRoll),
		zap.Int("items", len(order.Products)),
		zap.Bool("price_pending", order.PricePending))

	s.recordAudit(ctx, models.AuditActionCreated, order.OrderID, "", req, meta)
	s.publishCreated(ctx, order)

	message := "Order confirmed"
	if order.PricePending {
		message = "Order confirmed - some prices pending admin update"
	}
	return &CreateOrderResult{Order: order, PricePending: order.PricePending, Message: message}, nil
}

// RejectMalformed audits a body that could not be decoded and returns the
// matching validation error.
func (s *OrderService) RejectMalformed(ctx context.Context, meta RequestMeta, cause error) error {
	util.OrdersFailedTotal.WithLabelValues(string(CodeValidation)).Inc()
	s.recordAudit(ctx, models.AuditActionFailed, "", CodeValidation, nil, meta)
	return newOrderError(CodeValidation, "Invalid request body", cause)
}

func (s *OrderService) validateRequest(req *CreateOrderRequest) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return newOrderError(CodeValidation, "Invalid request", err)
	}

	var missing, invalid []string
	for _, fe := range fieldErrs {
		name := fe.Namespace()
		if i := strings.IndexByte(name, '.'); i >= 0 {
			name = name[i+1:]
		}
		if fe.Tag() == "required" || (fe.Tag() == "min" && fe.Kind() == reflect.Slice) {
			missing = append(missing, name)
		} else {
			invalid = append(invalid, fmt.Sprintf("%s (%s)", name, fe.Tag()))
		}
	}

	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "Missing required fields: "+strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		parts = append(parts, "Invalid fields: "+strings.Join(invalid, ", "))
	}
	return newOrderError(CodeValidation, strings.Join(parts, "; "), nil)
}

// reserveStock takes stock item by item in submission order. On failure the
// items already taken are restored before returning.
func (s *OrderService) reserveStock(ctx context.Context, items []OrderItemRequest) ([]reservation, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.reserveStock", attribute.Int("order.items", len(items)))
	defer span.End()

	start := time.Now()
	defer func() {
		util.StockReserveLatency.Observe(time.Since(start).Seconds())
	}()

	reserved := make([]reservation, 0, len(items))
	for _, item := range items {
		product, err := s.catalog.DecrementStock(ctx, item.ID, item.Quantity)
		if err == nil {
			reserved = append(reserved, reservation{product: product, quantity: item.Quantity})
			continue
		}

		s.compensate(ctx, reserved)

		var stockErr *store.InsufficientStockError
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, &OrderError{
				Code:    CodeProductNotFound,
				Message: fmt.Sprintf("Product not found: %s", item.ID),
				ItemID:  item.ID,
				Err:     err,
			}
		case errors.As(err, &stockErr):
			available := stockErr.Available
			name := item.ID
			if p, lookupErr := s.catalog.GetProduct(ctx, item.ID); lookupErr == nil {
				name = p.Name
			}
			return nil, &OrderError{
				Code:      CodeOutOfStock,
				Message:   fmt.Sprintf("Insufficient stock for %s", name),
				ItemID:    item.ID,
				Available: &available,
				Err:       err,
			}
		default:
			return nil, &OrderError{
				Code:    CodeStockUpdate,
				Message: "Failed to reserve stock",
				ItemID:  item.ID,
				Err:     err,
			}
		}
	}
	return reserved, nil
}

// compensate restores reserved stock in reverse order. It runs detached from
// the request context so a cancelled client cannot strand inventory.
func (s *OrderService) compensate(ctx context.Context, reserved []reservation) {
	if len(reserved) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)

	for i := len(reserved) - 1; i >= 0; i-- {
		r := reserved[i]
		if err := s.catalog.RestoreStock(ctx, r.product.ID, r.quantity); err != nil {
			util.StockCompensationsTotal.WithLabelValues("failed").Inc()
			s.logger.Error("Failed to restore stock",
				zap.String("product_id", r.product.ID),
				zap.Int("quantity", r.quantity),
				zap.Error(err))
			continue
		}
		util.StockCompensationsTotal.WithLabelValues("restored").Inc()
	}
}

// buildOrder snapshots pricing and computes the total. The total is null when
// any item's price is still pending.
func (s *OrderService) buildOrder(req *CreateOrderRequest, reserved []reservation, key string, now time.Time) *models.Order {
	items := make(models.LineItems, 0, len(reserved))
	total := decimal.Zero
	var pending []string

	for _, r := range reserved {
		p := r.product
		items = append(items, models.LineItem{
			ProductID:         p.ID,
			Name:              p.Name,
			UnitPrice:         p.Price,
			UnitDiscountPrice: p.DiscountPrice,
			Quantity:          r.quantity,
		})

		price, isPending := p.EffectivePrice(s.settings.PendingPriceThreshold)
		if isPending {
			pending = append(pending, p.Name)
			continue
		}
		total = total.Add(price.Mul(decimal.NewFromInt(int64(r.quantity))))
	}

	order := &models.Order{
		ID:             uuid.New().String(),
		CustomerName:   req.CustomerName,
		Address:        req.Address,
		MobileNumber:   req.MobileNumber,
		WhatsappNumber: req.WhatsappNumber,
		StudentRoll:    req.StudentRoll,
		Department:     req.Department,
		Year:           req.Year,
		Section:        req.Section,
		Products:       items,
		Status:         models.OrderStatusConfirmed,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if key != "" {
		order.IdempotencyKey = &key
	}

	if len(pending) > 0 {
		order.PricePending = true
		notes := fmt.Sprintf("Price pending for: %s. Admin will update price.", strings.Join(pending, ", "))
		order.Notes = &notes
	} else {
		order.TotalAmount = decimal.NewNullDecimal(total.Round(2))
	}
	return order
}

func (s *OrderService) assignOrderID(ctx context.Context, now time.Time) (string, error) {
	for attempt := 1; attempt <= s.settings.OrderIDMaxAttempts; attempt++ {
		id, err := s.ids.Generate(now)
		if err != nil {
			return "", newOrderError(CodeInternal, "Failed to generate order ID", err)
		}

		exists, err := s.orders.OrderIDExists(ctx, id)
		if err != nil {
			return "", newOrderError(CodeInternal, "Failed to check order ID", err)
		}
		if !exists {
			return id, nil
		}

		util.OrderIDCollisionsTotal.Inc()
		s.logger.Warn("Order ID collision", zap.String("order_id", id), zap.Int("attempt", attempt))
	}
	return "", newOrderError(CodeOrderIDCollision, "Failed to generate unique order ID", nil)
}

func (s *OrderService) replay(ctx context.Context, existing *models.Order, req *CreateOrderRequest, meta RequestMeta) *CreateOrderResult {
	util.OrdersReplayedTotal.Inc()
	s.logger.Info("Returning existing order for idempotency key",
		zap.String("order_id", existing.OrderID),
		zap.String("idempotency_key", meta.IdempotencyKey))

	s.recordAudit(ctx, models.AuditActionReplayed, existing.OrderID, "", req, meta)

	return &CreateOrderResult{
		Order:        existing,
		PricePending: existing.PricePending,
		Replayed:     true,
		Message:      "Order already exists",
	}
}

// fail records a failed attempt and returns err as an *OrderError.
func (s *OrderService) fail(ctx context.Context, span trace.Span, req *CreateOrderRequest, meta RequestMeta, orderID string, err error) error {
	oe := AsOrderError(err)
	span.SetAttributes(attribute.String("order.error_code", string(oe.Code)))

	util.OrdersFailedTotal.WithLabelValues(string(oe.Code)).Inc()
	fields := []zap.Field{zap.String("code", string(oe.Code)), zap.String("message", oe.Message)}
	if oe.ItemID != "" {
		fields = append(fields, zap.String("item_id", oe.ItemID))
	}
	if oe.Err != nil {
		fields = append(fields, zap.Error(oe.Err))
	}
	if oe.Retryable() {
		util.RecordError(span, oe)
		s.logger.Error("Order placement failed", fields...)
	} else {
		s.logger.Info("Order rejected", fields...)
	}

	s.recordAudit(ctx, models.AuditActionFailed, orderID, oe.Code, req, meta)
	return oe
}

// recordAudit never fails the request; write errors are logged and counted.
func (s *OrderService) recordAudit(ctx context.Context, action, orderID string, code ErrorCode, req *CreateOrderRequest, meta RequestMeta) {
	if s.audit == nil {
		return
	}

	entry := &models.AuditEntry{
		ID:        uuid.New().String(),
		Action:    action,
		Payload:   auditPayload(req, meta.Payload),
		IPAddress: valueOr(meta.IPAddress, "unknown"),
		UserAgent: valueOr(meta.UserAgent, "unknown"),
		CreatedAt: s.now().UTC(),
	}
	if orderID != "" {
		entry.OrderID = &orderID
	}
	if req != nil && req.StudentRoll != "" {
		roll := req.StudentRoll
		entry.UserRoll = &roll
	}
	if code != "" {
		c := string(code)
		entry.ErrorCode = &c
	}

	if err := s.audit.RecordAudit(context.WithoutCancel(ctx), entry); err != nil {
		util.AuditWriteFailuresTotal.Inc()
		s.logger.Error("Failed to write audit entry",
			zap.String("action", action),
			zap.String("order_id", orderID),
			zap.Error(err))
	}
}

// auditPayload keeps the raw body when it is JSON and quotes it as a string
// otherwise, so the audit column always holds a valid document.
func auditPayload(req *CreateOrderRequest, raw json.RawMessage) json.RawMessage {
	if len(raw) > 0 {
		if json.Valid(raw) {
			return raw
		}
		quoted, _ := json.Marshal(string(raw))
		return quoted
	}
	if req == nil {
		return json.RawMessage("null")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

func (s *OrderService) publishCreated(ctx context.Context, order *models.Order) {
	if s.publisher == nil {
		return
	}
	event := &models.OrderCreatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderCreated,
			Timestamp: s.now().UTC(),
		},
		Order:        *order,
		PricePending: order.PricePending,
	}
	if err := s.publisher.PublishOrderCreated(ctx, event); err != nil {
		util.OrderEventsPublishFailedTotal.WithLabelValues(models.EventTypeOrderCreated).Inc()
		s.logger.Error("Failed to publish OrderCreated event",
			zap.String("order_id", order.OrderID),
			zap.Error(err))
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func valueOr(s, fallback string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return fallback
}
