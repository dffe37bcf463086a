package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectivePrice(t *testing.T) {
	threshold := DefaultPendingPriceThreshold

	tests := []struct {
		name        string
		product     Product
		wantPrice   string
		wantPending bool
	}{
		{
			name:      "discount wins",
			product:   Product{Price: decimal.NewNullDecimal(decimal.NewFromInt(100)), DiscountPrice: decimal.NewNullDecimal(decimal.NewFromInt(80))},
			wantPrice: "80",
		},
		{
			name:      "no discount",
			product:   Product{Price: decimal.NewNullDecimal(decimal.NewFromInt(100))},
			wantPrice: "100",
		},
		{
			name:        "sentinel price without discount",
			product:     Product{Price: decimal.NewNullDecimal(decimal.NewFromInt(9999))},
			wantPrice:   "9999",
			wantPending: true,
		},
		{
			name:        "sentinel discount falls back to sentinel price",
			product:     Product{Price: decimal.NewNullDecimal(decimal.NewFromInt(9999)), DiscountPrice: decimal.NewNullDecimal(decimal.NewFromInt(9999))},
			wantPrice:   "9999",
			wantPending: true,
		},
		{
			name:      "valid discount under sentinel price",
			product:   Product{Price: decimal.NewNullDecimal(decimal.NewFromInt(9999)), DiscountPrice: decimal.NewNullDecimal(decimal.NewFromInt(450))},
			wantPrice: "450",
		},
		{
			name:        "missing price is pending",
			product:     Product{},
			wantPrice:   "0",
			wantPending: true,
		},
		{
			name:      "discount covers missing price",
			product:   Product{DiscountPrice: decimal.NewNullDecimal(decimal.NewFromInt(75))},
			wantPrice: "75",
		},
		{
			name:      "zero discount ignored",
			product:   Product{Price: decimal.NewNullDecimal(decimal.NewFromInt(120)), DiscountPrice: decimal.NewNullDecimal(decimal.Zero)},
			wantPrice: "120",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price, pending := tt.product.EffectivePrice(threshold)
			assert.Equal(t, tt.wantPrice, price.String())
			assert.Equal(t, tt.wantPending, pending)
		})
	}
}

func TestProductNormalize(t *testing.T) {
	p := Product{QuantityAvailable: -2, InStock: true}
	p.Normalize()
	assert.Equal(t, 0, p.QuantityAvailable)
	assert.False(t, p.InStock)

	p = Product{QuantityAvailable: 3}
	p.Normalize()
	assert.True(t, p.InStock)
}

func TestProductJSONNumbers(t *testing.T) {
	p := Product{ID: "P1", Price: decimal.NewNullDecimal(decimal.RequireFromString("100.50"))}
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"price":100.5`)
	assert.Contains(t, string(data), `"discount_price":null`)

	var decoded Product
	require.NoError(t, json.Unmarshal([]byte(`{"id":"P2","price":"250","discount_price":199}`), &decoded))
	assert.Equal(t, "250", decoded.Price.Decimal.String())
	assert.True(t, decoded.DiscountPrice.Valid)
	assert.Equal(t, "199", decoded.DiscountPrice.Decimal.String())
}

func TestParseOrderStatus(t *testing.T) {
	status, err := ParseOrderStatus("confirmed")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusConfirmed, status)

	status, err = ParseOrderStatus(" CANCELLED ")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusCancelled, status)
	assert.True(t, status.IsTerminal())

	_, err = ParseOrderStatus("shipped")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestOrderPatchUnmarshal(t *testing.T) {
	var p OrderPatch
	err := json.Unmarshal([]byte(`{"status":"processing","notes":null,"total_amount":240.5,"price_pending":false,"customer_name":"ignored"}`), &p)
	require.NoError(t, err)

	require.NotNil(t, p.Status)
	assert.Equal(t, OrderStatusProcessing, *p.Status)
	require.NotNil(t, p.Notes)
	assert.Equal(t, "", *p.Notes)
	require.NotNil(t, p.TotalAmount)
	assert.True(t, p.TotalAmount.Valid)
	assert.Equal(t, "240.5", p.TotalAmount.Decimal.String())
	require.NotNil(t, p.PricePending)
	assert.False(t, *p.PricePending)

	var empty OrderPatch
	require.NoError(t, json.Unmarshal([]byte(`{"total_amount":null}`), &empty))
	require.NotNil(t, empty.TotalAmount)
	assert.False(t, empty.TotalAmount.Valid)
	assert.Nil(t, empty.Status)

	var bad OrderPatch
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"status":"lost"}`), &bad), ErrInvalidStatus)
	assert.Error(t, json.Unmarshal([]byte(`{"total_amount":-1}`), &bad))
}

func TestApplyPatchOnlyTouchesPatchedFields(t *testing.T) {
	created := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	notes := "call before delivery"
	order := Order{
		OrderID:     "LIET-ORD-20250110-143000-ABC123",
		Status:      OrderStatusConfirmed,
		Notes:       &notes,
		TotalAmount: decimal.NewNullDecimal(decimal.NewFromInt(160)),
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	before := order

	status := OrderStatusCompleted
	now := created.Add(time.Hour)
	order.ApplyPatch(OrderPatch{Status: &status}, now)

	assert.Equal(t, OrderStatusCompleted, order.Status)
	assert.Equal(t, now, order.UpdatedAt)
	assert.Equal(t, before.Notes, order.Notes)
	assert.Equal(t, before.TotalAmount, order.TotalAmount)
	assert.Equal(t, before.CreatedAt, order.CreatedAt)

	cleared := ""
	order.ApplyPatch(OrderPatch{Notes: &cleared}, now)
	assert.Nil(t, order.Notes)
}

func TestOrderFilterMatches(t *testing.T) {
	order := &Order{
		OrderID:      "LIET-ORD-20250110-143000-ABC123",
		CustomerName: "Asha Verma",
		MobileNumber: "9876543210",
		StudentRoll:  "21CS042",
		Department:   "CSE",
		Status:       OrderStatusConfirmed,
	}

	assert.True(t, OrderFilter{}.Matches(order))
	assert.True(t, OrderFilter{Query: "asha"}.Matches(order))
	assert.True(t, OrderFilter{Query: "abc123"}.Matches(order))
	assert.True(t, OrderFilter{Query: "21cs"}.Matches(order))
	assert.True(t, OrderFilter{Status: "confirmed"}.Matches(order))
	assert.False(t, OrderFilter{Status: "cancelled"}.Matches(order))
	assert.False(t, OrderFilter{Query: "mech"}.Matches(order))
}

func TestLineItemsScan(t *testing.T) {
	var items LineItems
	require.NoError(t, items.Scan([]byte(`[{"id":"P1","name":"Lab coat","price":100,"discount_price":80,"quantity":2}]`)))
	require.Len(t, items, 1)
	assert.Equal(t, "P1", items[0].ProductID)
	assert.Equal(t, "80", items[0].UnitDiscountPrice.Decimal.String())
	assert.Equal(t, 2, items.TotalUnits())

	value, err := items.Value()
	require.NoError(t, err)
	assert.Contains(t, string(value.([]byte)), `"discount_price":80`)

	require.NoError(t, items.Scan(nil))
	assert.Empty(t, items)
}
