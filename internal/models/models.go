package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Prices go over the wire as JSON numbers, the way the storefront reads them.
	decimal.MarshalJSONWithoutQuotes = true
}

// DefaultPendingPriceThreshold marks a placeholder price that still needs an admin update.
var DefaultPendingPriceThreshold = decimal.NewFromInt(9999)

// Product represents a product in the catalog
type Product struct {
	ID                string              `db:"id" json:"id"`
	Name              string              `db:"name" json:"name"`
	Description       string              `db:"description" json:"description"`
	Category          string              `db:"category" json:"category"`
	ImageURL          *string             `db:"image_url" json:"image_url"`
	Price             decimal.NullDecimal `db:"price" json:"price"`
	DiscountPrice     decimal.NullDecimal `db:"discount_price" json:"discount_price"`
	QuantityAvailable int                 `db:"quantity_available" json:"quantity_available"`
	InStock           bool                `db:"in_stock" json:"in_stock"`
	CreatedAt         *time.Time          `db:"created_at" json:"created_at,omitempty"`
}

// Normalize keeps the stock counter and the derived in_stock flag consistent.
func (p *Product) Normalize() {
	if p.QuantityAvailable < 0 {
		p.QuantityAvailable = 0
	}
	p.InStock = p.QuantityAvailable > 0
}

// EffectivePrice returns the unit price used for sale calculations and whether
// that price is still pending. A missing price is pending and reported as zero.
func (p *Product) EffectivePrice(threshold decimal.Decimal) (decimal.Decimal, bool) {
	if p.DiscountPrice.Valid && p.DiscountPrice.Decimal.IsPositive() && p.DiscountPrice.Decimal.LessThan(threshold) {
		return p.DiscountPrice.Decimal, false
	}
	if !p.Price.Valid {
		return decimal.Zero, true
	}
	if p.Price.Decimal.GreaterThanOrEqual(threshold) {
		return p.Price.Decimal, true
	}
	return p.Price.Decimal, false
}

// OrderStatus is the admin-facing lifecycle state of an order
type OrderStatus string

// Order statuses
const (
	OrderStatusPending    OrderStatus = "Pending"
	OrderStatusConfirmed  OrderStatus = "Confirmed"
	OrderStatusProcessing OrderStatus = "Processing"
	OrderStatusCompleted  OrderStatus = "Completed"
	OrderStatusCancelled  OrderStatus = "Cancelled"
)

// OrderStatuses lists every valid status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusProcessing,
	OrderStatusCompleted,
	OrderStatusCancelled,
}

// ErrInvalidStatus is returned when a status string is not one of OrderStatuses.
var ErrInvalidStatus = errors.New("invalid order status")

// ParseOrderStatus accepts any casing ("confirmed", "CONFIRMED").
func ParseOrderStatus(s string) (OrderStatus, error) {
	for _, status := range OrderStatuses {
		if strings.EqualFold(strings.TrimSpace(s), string(status)) {
			return status, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// IsTerminal reports whether no further lifecycle progress is expected.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// LineItem is a pricing snapshot of one product taken at order time
type LineItem struct {
	ProductID         string              `json:"id"`
	Name              string              `json:"name"`
	UnitPrice         decimal.NullDecimal `json:"price"`
	UnitDiscountPrice decimal.NullDecimal `json:"discount_price"`
	Quantity          int                 `json:"quantity"`
}

// LineItems is stored as a single JSON document
type LineItems []LineItem

// Value implements driver.Valuer
func (li LineItems) Value() (driver.Value, error) {
	if li == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(li)
}

// Scan implements sql.Scanner
func (li *LineItems) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*li = LineItems{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported line items type %T", src)
	}
	return json.Unmarshal(raw, li)
}

// TotalUnits sums the quantity of every line item.
func (li LineItems) TotalUnits() int {
	total := 0
	for _, item := range li {
		total += item.Quantity
	}
	return total
}

// Order represents a placed campus order
type Order struct {
	ID             string              `db:"id" json:"id"`
	OrderID        string              `db:"order_id" json:"order_id"`
	CustomerName   string              `db:"customer_name" json:"customer_name"`
	Address        string              `db:"address" json:"address"`
	MobileNumber   string              `db:"mobile_number" json:"mobile_number"`
	WhatsappNumber string              `db:"whatsapp_number" json:"whatsapp_number"`
	StudentRoll    string              `db:"student_roll" json:"student_roll"`
	Department     string              `db:"department" json:"department"`
	Year           string              `db:"year" json:"year"`
	Section        string              `db:"section" json:"section"`
	Products       LineItems           `db:"products" json:"products"`
	TotalAmount    decimal.NullDecimal `db:"total_amount" json:"total_amount"`
	PricePending   bool                `db:"price_pending" json:"price_pending"`
	Status         OrderStatus         `db:"status" json:"status"`
	Notes          *string             `db:"notes" json:"notes"`
	IdempotencyKey *string             `db:"idempotency_key" json:"idempotency_key"`
	CreatedAt      time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time           `db:"updated_at" json:"updated_at"`
}

// HasIdempotencyKey reports whether the order was created with the given key.
func (o *Order) HasIdempotencyKey(key string) bool {
	return key != "" && o.IdempotencyKey != nil && *o.IdempotencyKey == key
}

// ApplyPatch applies an admin patch and refreshes updated_at.
func (o *Order) ApplyPatch(p OrderPatch, now time.Time) {
	if p.Status != nil {
		o.Status = *p.Status
	}
	if p.Notes != nil {
		if *p.Notes == "" {
			o.Notes = nil
		} else {
			notes := *p.Notes
			o.Notes = &notes
		}
	}
	if p.TotalAmount != nil {
		o.TotalAmount = *p.TotalAmount
	}
	if p.PricePending != nil {
		o.PricePending = *p.PricePending
	}
	o.UpdatedAt = now
}

// OrderPatch carries the admin-editable fields. A nil field is left untouched.
type OrderPatch struct {
	Status       *OrderStatus
	Notes        *string // empty clears
	TotalAmount  *decimal.NullDecimal
	PricePending *bool
}

// UnmarshalJSON keeps only the allow-listed keys. Explicit nulls clear notes and
// total_amount.
func (p *OrderPatch) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["status"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("status: %w", err)
		}
		status, err := ParseOrderStatus(s)
		if err != nil {
			return err
		}
		p.Status = &status
	}

	if v, ok := raw["notes"]; ok {
		notes := ""
		if string(v) != "null" {
			if err := json.Unmarshal(v, &notes); err != nil {
				return fmt.Errorf("notes: %w", err)
			}
		}
		p.Notes = &notes
	}

	if v, ok := raw["total_amount"]; ok {
		var amount decimal.NullDecimal
		if err := json.Unmarshal(v, &amount); err != nil {
			return fmt.Errorf("total_amount: %w", err)
		}
		if amount.Valid && amount.Decimal.IsNegative() {
			return errors.New("total_amount: must not be negative")
		}
		p.TotalAmount = &amount
	}

	if v, ok := raw["price_pending"]; ok {
		var pending bool
		if err := json.Unmarshal(v, &pending); err != nil {
			return fmt.Errorf("price_pending: %w", err)
		}
		p.PricePending = &pending
	}

	return nil
}

// OrderFilter narrows the admin order listing
type OrderFilter struct {
	Query  string
	Status string
}

// Matches reports whether the order passes the filter.
func (f OrderFilter) Matches(o *Order) bool {
	if f.Status != "" && !strings.EqualFold(string(o.Status), f.Status) {
		return false
	}
	q := strings.ToLower(strings.TrimSpace(f.Query))
	if q == "" {
		return true
	}
	for _, field := range []string{o.CustomerName, o.MobileNumber, o.OrderID, o.StudentRoll, o.Department} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

// Audit actions
const (
	AuditActionCreated  = "created"
	AuditActionFailed   = "failed"
	AuditActionReplayed = "replayed"
)

// AuditEntry records one order placement attempt
type AuditEntry struct {
	ID        string          `db:"id" json:"id"`
	Action    string          `db:"action" json:"action"`
	OrderID   *string         `db:"order_id" json:"order_id"`
	UserRoll  *string         `db:"user_roll" json:"user_roll"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	ErrorCode *string         `db:"error_code" json:"error_code"`
	IPAddress string          `db:"ip_address" json:"ip_address"`
	UserAgent string          `db:"user_agent" json:"user_agent"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
