package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"campus-store/internal/models"
	"campus-store/internal/store"
	"campus-store/internal/store/filestore"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu      sync.Mutex
	created []*models.OrderCreatedEvent
	updated []*models.OrderUpdatedEvent
}

func (p *recordingPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, event)
	return nil
}

func (p *recordingPublisher) PublishOrderUpdated(ctx context.Context, event *models.OrderUpdatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updated = append(p.updated, event)
	return nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// stepReader fills each Read with the next value, repeating the last one.
type stepReader struct {
	values []byte
	calls  int
}

func (r *stepReader) Read(p []byte) (int, error) {
	v := r.values[min(r.calls, len(r.values)-1)]
	r.calls++
	for i := range p {
		p[i] = v
	}
	return len(p), nil
}

// faultyOrders lets a test intercept order inserts before they reach the store.
type faultyOrders struct {
	OrderRepository
	beforeCreate func(ctx context.Context, order *models.Order) error
}

func (r *faultyOrders) CreateOrder(ctx context.Context, order *models.Order, dedupeSince time.Time) error {
	if err := r.beforeCreate(ctx, order); err != nil {
		return err
	}
	return r.OrderRepository.CreateOrder(ctx, order, dedupeSince)
}

type fixture struct {
	svc       *OrderService
	store     *filestore.Store
	publisher *recordingPublisher
	clock     time.Time
}

func newFixture(t *testing.T, products ...models.Product) *fixture {
	t.Helper()

	fs, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.SaveProducts(context.Background(), products))

	f := &fixture{
		store:     fs,
		publisher: &recordingPublisher{},
		clock:     time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC),
	}
	f.svc = NewOrderService(fs, fs, fs, f.publisher, nil, DefaultSettings())
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) quantity(t *testing.T, id string) int {
	t.Helper()
	p, err := f.store.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.QuantityAvailable
}

func (f *fixture) orderCount(t *testing.T) int {
	t.Helper()
	orders, err := f.store.ListOrders(context.Background(), models.OrderFilter{})
	require.NoError(t, err)
	return len(orders)
}

func labCoat(qty int) models.Product {
	return models.Product{
		ID:                "P1",
		Name:              "Lab coat",
		Price:             decimal.NewNullDecimal(decimal.NewFromInt(100)),
		DiscountPrice:     decimal.NewNullDecimal(decimal.NewFromInt(80)),
		QuantityAvailable: qty,
	}
}

func drafter(qty int) models.Product {
	return models.Product{
		ID:                "P2",
		Name:              "Mini drafter",
		Price:             decimal.NewNullDecimal(decimal.NewFromInt(9999)),
		QuantityAvailable: qty,
	}
}

func checkout(items ...OrderItemRequest) *CreateOrderRequest {
	return &CreateOrderRequest{
		CustomerName:   "Asha Verma",
		Address:        "Girls Hostel B, Room 12",
		MobileNumber:   "9876543210",
		WhatsappNumber: "9876543210",
		StudentRoll:    "21CS042",
		Department:     "CSE",
		Year:           "3",
		Section:        "A",
		Items:          items,
	}
}

func requireOrderError(t *testing.T, err error, code ErrorCode) *OrderError {
	t.Helper()
	var oe *OrderError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, code, oe.Code)
	return oe
}

func TestCreateOrderUsesDiscountPrice(t *testing.T) {
	f := newFixture(t, labCoat(3))

	result, err := f.svc.CreateOrder(context.Background(), checkout(OrderItemRequest{ID: "P1", Quantity: 2}), RequestMeta{})
	require.NoError(t, err)

	order := result.Order
	assert.False(t, result.Replayed)
	assert.False(t, result.PricePending)
	assert.Equal(t, "Order confirmed", result.Message)
	assert.True(t, ValidOrderID(order.OrderID), order.OrderID)
	assert.Equal(t, models.OrderStatusConfirmed, order.Status)
	require.True(t, order.TotalAmount.Valid)
	assert.Equal(t, "160", order.TotalAmount.Decimal.String())
	assert.Nil(t, order.Notes)

	require.Len(t, order.Products, 1)
	item := order.Products[0]
	assert.Equal(t, "P1", item.ProductID)
	assert.Equal(t, "100", item.UnitPrice.Decimal.String())
	assert.Equal(t, "80", item.UnitDiscountPrice.Decimal.String())
	assert.Equal(t, 2, item.Quantity)

	assert.Equal(t, 1, f.quantity(t, "P1"))

	stored, err := f.store.GetOrderByOrderID(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, stored.ID)

	require.Len(t, f.publisher.created, 1)
	assert.Equal(t, order.OrderID, f.publisher.created[0].Order.OrderID)
	assert.Equal(t, models.EventTypeOrderCreated, f.publisher.created[0].EventType)
}

func TestCreateOrderPendingPrice(t *testing.T) {
	f := newFixture(t, drafter(4))

	result, err := f.svc.CreateOrder(context.Background(), checkout(OrderItemRequest{ID: "P2", Quantity: 1}), RequestMeta{})
	require.NoError(t, err)

	order := result.Order
	assert.True(t, result.PricePending)
	assert.True(t, order.PricePending)
	assert.False(t, order.TotalAmount.Valid)
	require.NotNil(t, order.Notes)
	assert.Contains(t, *order.Notes, "Mini drafter")
	assert.Equal(t, "Order confirmed - some prices pending admin update", result.Message)
	assert.Equal(t, 3, f.quantity(t, "P2"))

	data, err := json.Marshal(order)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"total_amount":null`)
}

func TestCreateOrderMixedPendingExcludesTotal(t *testing.T) {
	f := newFixture(t, labCoat(3), drafter(3))

	result, err := f.svc.CreateOrder(context.Background(), checkout(
		OrderItemRequest{ID: "P1", Quantity: 1},
		OrderItemRequest{ID: "P2", Quantity: 1},
	), RequestMeta{})
	require.NoError(t, err)

	assert.True(t, result.PricePending)
	assert.False(t, result.Order.TotalAmount.Valid)
	require.NotNil(t, result.Order.Notes)
	assert.Equal(t, "Price pending for: Mini drafter. Admin will update price.", *result.Order.Notes)
	assert.Equal(t, 2, f.quantity(t, "P1"))
	assert.Equal(t, 2, f.quantity(t, "P2"))
}

func TestCreateOrderOutOfStockIsAllOrNothing(t *testing.T) {
	f := newFixture(t, labCoat(5), drafter(1))

	_, err := f.svc.CreateOrder(context.Background(), checkout(
		OrderItemRequest{ID: "P1", Quantity: 2},
		OrderItemRequest{ID: "P2", Quantity: 3},
	), RequestMeta{IPAddress: "10.0.0.7", UserAgent: "test"})

	oe := requireOrderError(t, err, CodeOutOfStock)
	assert.Equal(t, "P2", oe.ItemID)
	require.NotNil(t, oe.Available)
	assert.Equal(t, 1, *oe.Available)
	assert.Equal(t, "Insufficient stock for Mini drafter", oe.Message)

	assert.Equal(t, 5, f.quantity(t, "P1"))
	assert.Equal(t, 1, f.quantity(t, "P2"))
	assert.Equal(t, 0, f.orderCount(t))
	assert.Empty(t, f.publisher.created)

	entries, err := f.store.ListAudit(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditActionFailed, entries[0].Action)
	require.NotNil(t, entries[0].ErrorCode)
	assert.Equal(t, "OUT_OF_STOCK", *entries[0].ErrorCode)
	require.NotNil(t, entries[0].UserRoll)
	assert.Equal(t, "21CS042", *entries[0].UserRoll)
	assert.Equal(t, "10.0.0.7", entries[0].IPAddress)
}

func TestCreateOrderUnknownProductRestoresStock(t *testing.T) {
	f := newFixture(t, labCoat(5))

	_, err := f.svc.CreateOrder(context.Background(), checkout(
		OrderItemRequest{ID: "P1", Quantity: 2},
		OrderItemRequest{ID: "ghost", Quantity: 1},
	), RequestMeta{})

	oe := requireOrderError(t, err, CodeProductNotFound)
	assert.Equal(t, "ghost", oe.ItemID)
	assert.False(t, oe.Retryable())
	assert.Equal(t, 5, f.quantity(t, "P1"))
	assert.Equal(t, 0, f.orderCount(t))
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t, labCoat(5))

	tests := []struct {
		name    string
		mutate  func(*CreateOrderRequest)
		message string
	}{
		{
			name:    "missing customer name",
			mutate:  func(r *CreateOrderRequest) { r.CustomerName = "   " },
			message: "Missing required fields: customer_name",
		},
		{
			name:    "missing several fields",
			mutate:  func(r *CreateOrderRequest) { r.Address = ""; r.Section = "" },
			message: "Missing required fields: address, section",
		},
		{
			name:    "empty cart",
			mutate:  func(r *CreateOrderRequest) { r.Items = []OrderItemRequest{} },
			message: "Missing required fields: items",
		},
		{
			name:    "nil cart",
			mutate:  func(r *CreateOrderRequest) { r.Items = nil },
			message: "Missing required fields: items",
		},
		{
			name:    "negative quantity",
			mutate:  func(r *CreateOrderRequest) { r.Items[0].Quantity = -1 },
			message: "Invalid fields: items[0].quantity (min)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := checkout(OrderItemRequest{ID: "P1", Quantity: 1})
			tt.mutate(req)

			_, err := f.svc.CreateOrder(context.Background(), req, RequestMeta{})
			oe := requireOrderError(t, err, CodeValidation)
			assert.Equal(t, tt.message, oe.Message)
		})
	}

	assert.Equal(t, 5, f.quantity(t, "P1"))
	assert.Equal(t, 0, f.orderCount(t))

	entries, err := f.store.ListAudit(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, entries, len(tests))
}

func TestCreateOrderIdempotentReplay(t *testing.T) {
	f := newFixture(t, labCoat(5))
	meta := RequestMeta{IdempotencyKey: "checkout-abc"}

	first, err := f.svc.CreateOrder(context.Background(), checkout(OrderItemRequest{ID: "P1", Quantity: 2}), meta)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	f.clock = f.clock.Add(23 * time.Hour)
	second, err := f.svc.CreateOrder(context.Background(), checkout(OrderItemRequest{ID: "P1", Quantity: 2}), meta)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, "Order already exists", second.Message)
	assert.Equal(t, first.Order.OrderID, second.Order.OrderID)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, 3, f.quantity(t, "P1"))
	assert.Equal(t, 1, f.orderCount(t))
	assert.Len(t, f.publisher.created, 1)

	entries, err := f.store.ListAudit(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditActionReplayed, entries[0].Action)
	require.NotNil(t, entries[0].OrderID)
	assert.Equal(t, first.Order.OrderID, *entries[0].OrderID)
}

func TestCreateOrderKeyReusedAfterWindow(t *testing.T) {
	f := newFixture(t, labCoat(5))
	meta := RequestMeta{IdempotencyKey: "checkout-abc"}

	first, err := f.svc.CreateOrder(context.Background(), checkout(OrderItemRequest{ID: "P1", Quantity: 1}), meta)
	require.NoError(t, err)

	f.clock = f.clock.Add(25 * time.Hour)
	second, err := f.svc.CreateOrder(context.Background(), checkout(OrderItemRequest{ID: "P1", Quantity: 1}), meta)
	require.NoError(t, err)

	assert.False(t, second.Replayed)
	assert.NotEqual(t, first.Order.OrderID, second.Order.OrderID)
	assert.Equal(t, 3, f.quantity(t, "P1"))
	assert.Equal(t, 2, f.orderCount(t))
}

func TestConcurrentSameKeyCreatesOneOrder(t *testing.T) {
	f := newFixture(t, labCoat(10))
	meta := RequestMeta{IdempotencyKey: "double-click"}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		orderIDs = map[string]int{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.svc.CreateOrder(context.Background(), checkout(OrderItemRequest{ID: "P1", Quantity: 1}), meta)
			if assert.NoError(t, err) {
				mu.Lock()
				orderIDs[result.Order.OrderID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, orderIDs, 1)
	assert.Equal(t, 9, f.quantity(t, "P1"))
	assert.Equal(t, 1, f.orderCount(t))
}

func TestConcurrentOrdersNeverOversell(t *testing.T) {
	f := newFixture(t, labCoat(3))

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		created    int
		outOfStock int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateOrder(context.Background(), checkout(OrderItemRequest{ID: "P1", Quantity: 1}), RequestMeta{})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				created++
				return
			}
			if oe := AsOrderError(err); oe.Code == CodeOutOfStock {
				outOfStock++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, created)
	assert.Equal(t, 7, outOfStock)
	assert.Equal(t, 0, f.quantity(t, "P1"))
	assert.Equal(t, 3, f.orderCount(t))
}

func TestCreateOrderIDCollisionExhausted(t *testing.T) {
	f := newFixture(t, labCoat(5))
	f.svc.ids = &OrderIDGenerator{loc: time.UTC, rand: zeroReader{}}

	first, err := f.svc.CreateOrder(context.Background(), checkout(OrderItemRequest{ID: "P1", Quantity: 1}), RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, "LIET-ORD-20250110-080000-AAAAAA", first.Order.OrderID)

	_, err = f.svc.CreateOrder(context.Background(), checkout(OrderItemRequest{ID: "P1", Quantity: 2}), RequestMeta{})
	oe := requireOrderError(t, err, CodeOrderIDCollision)
	assert.True(t, oe.Retryable())

	assert.Equal(t, 4, f.quantity(t, "P1"))
	assert.Equal(t, 1, f.orderCount(t))
}

func TestCreateOrderIDCollisionRetries(t *testing.T) {
	f := newFixture(t, labCoat(5))
	f.svc.ids = &OrderIDGenerator{loc: time.UTC, rand: zeroReader{}}

	first, err := f.svc.CreateOrder(context.Background(), checkout(OrderItemRequest{ID: "P1", Quantity: 1}), RequestMeta{})
	require.NoError(t, err)
	require.Equal(t, "LIET-ORD-20250110-080000-AAAAAA", first.Order.OrderID)

	f.svc.ids = &OrderIDGenerator{loc: time.UTC, rand: &stepReader{values: []byte{0, 1}}}
	second, err := f.svc.CreateOrder(context.Background(), checkout(OrderItemRequest{ID: "P1", Quantity: 2}), RequestMeta{})
	require.NoError(t, err)

	assert.Equal(t, "LIET-ORD-20250110-080000-BBBBBB", second.Order.OrderID)
	assert.Equal(t, 2, f.quantity(t, "P1"))
	assert.Equal(t, 2, f.orderCount(t))
}

func TestCreateOrderInsertFailureRestoresStock(t *testing.T) {
	f := newFixture(t, labCoat(5), drafter(3))
	f.svc.orders = &faultyOrders{
		OrderRepository: f.store,
		beforeCreate: func(ctx context.Context, order *models.Order) error {
			return errors.New("disk full")
		},
	}

	_, err := f.svc.CreateOrder(context.Background(), checkout(
		OrderItemRequest{ID: "P1", Quantity: 2},
		OrderItemRequest{ID: "P2", Quantity: 1},
	), RequestMeta{})

	oe := requireOrderError(t, err, CodeInsert)
	assert.True(t, oe.Retryable())

	assert.Equal(t, 5, f.quantity(t, "P1"))
	assert.Equal(t, 3, f.quantity(t, "P2"))
	assert.Equal(t, 0, f.orderCount(t))
	assert.Empty(t, f.publisher.created)

	entries, err := f.store.ListAudit(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditActionFailed, entries[0].Action)
	require.NotNil(t, entries[0].ErrorCode)
	assert.Equal(t, "INSERT_ERROR", *entries[0].ErrorCode)
	require.NotNil(t, entries[0].OrderID)
	assert.True(t, ValidOrderID(*entries[0].OrderID))
}

func TestCreateOrderDuplicateKeyOnInsertReplays(t *testing.T) {
	f := newFixture(t, labCoat(5))
	key := "checkout-race"
	winner := &models.Order{
		ID:             uuid.New().String(),
		OrderID:        "LIET-ORD-20250110-075959-WINNER",
		CustomerName:   "Asha Verma",
		StudentRoll:    "21CS042",
		Products:       models.LineItems{{ProductID: "P1", Name: "Lab coat", Quantity: 2}},
		Status:         models.OrderStatusConfirmed,
		IdempotencyKey: &key,
		CreatedAt:      f.clock,
		UpdatedAt:      f.clock,
	}

	// Another instance stores the same key between the lookup and the insert.
	f.svc.orders = &faultyOrders{
		OrderRepository: f.store,
		beforeCreate: func(ctx context.Context, order *models.Order) error {
			if err := f.store.CreateOrder(ctx, winner, f.clock.Add(-24*time.Hour)); err != nil {
				return err
			}
			return store.ErrDuplicateIdempotencyKey
		},
	}

	result, err := f.svc.CreateOrder(context.Background(), checkout(OrderItemRequest{ID: "P1", Quantity: 2}), RequestMeta{IdempotencyKey: key})
	require.NoError(t, err)

	assert.True(t, result.Replayed)
	assert.Equal(t, "Order already exists", result.Message)
	assert.Equal(t, winner.OrderID, result.Order.OrderID)
	assert.Equal(t, 5, f.quantity(t, "P1"))
	assert.Equal(t, 1, f.orderCount(t))
	assert.Empty(t, f.publisher.created)

	entries, err := f.store.ListAudit(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditActionReplayed, entries[0].Action)
	assert.Nil(t, entries[0].ErrorCode)
}

func TestCreateOrderNullPriceIsPending(t *testing.T) {
	f := newFixture(t, models.Product{ID: "P3", Name: "Calculator", QuantityAvailable: 2})

	result, err := f.svc.CreateOrder(context.Background(), checkout(OrderItemRequest{ID: "P3", Quantity: 1}), RequestMeta{})
	require.NoError(t, err)

	order := result.Order
	assert.True(t, result.PricePending)
	assert.True(t, order.PricePending)
	assert.False(t, order.TotalAmount.Valid)
	require.NotNil(t, order.Notes)
	assert.Equal(t, "Price pending for: Calculator. Admin will update price.", *order.Notes)
	require.Len(t, order.Products, 1)
	assert.False(t, order.Products[0].UnitPrice.Valid)
	assert.Equal(t, 1, f.quantity(t, "P3"))
}

func TestCreateOrderQuantityUpperBound(t *testing.T) {
	f := newFixture(t, labCoat(5))

	_, err := f.svc.CreateOrder(context.Background(), checkout(OrderItemRequest{ID: "P1", Quantity: MaxItemQuantity + 1}), RequestMeta{})
	oe := requireOrderError(t, err, CodeValidation)
	assert.Equal(t, "Invalid fields: items[0].quantity (max)", oe.Message)
	assert.Equal(t, 5, f.quantity(t, "P1"))
}

func TestRejectMalformedIsAudited(t *testing.T) {
	f := newFixture(t)

	err := f.svc.RejectMalformed(context.Background(), RequestMeta{Payload: json.RawMessage(`{"customer_name":`)}, assert.AnError)
	requireOrderError(t, err, CodeValidation)

	entries, err := f.store.ListAudit(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "VALIDATION_ERROR", *entries[0].ErrorCode)
	assert.Nil(t, entries[0].UserRoll)
	assert.Equal(t, "unknown", entries[0].IPAddress)

	var raw string
	require.NoError(t, json.Unmarshal(entries[0].Payload, &raw))
	assert.Equal(t, `{"customer_name":`, raw)
}

func TestAsOrderErrorWrapsUnknown(t *testing.T) {
	oe := AsOrderError(assert.AnError)
	assert.Equal(t, CodeInternal, oe.Code)
	assert.ErrorIs(t, oe, assert.AnError)
	assert.True(t, oe.Retryable())
}
