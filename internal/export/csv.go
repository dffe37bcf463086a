// Package export renders the order store as a denormalized CSV sheet for the
// admin team.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"campus-store/internal/models"
	"campus-store/internal/util"

	"go.uber.org/zap"
)

// TimeLayout renders timestamps in the export's civil time zone.
const TimeLayout = "2006-01-02 15:04:05"

// Headers is the fixed column order of the sheet.
var Headers = []string{
	"Order ID",
	"Created At (IST)",
	"Updated At (IST)",
	"Customer Name",
	"Roll Number",
	"Department",
	"Year",
	"Section",
	"Address",
	"Mobile",
	"WhatsApp",
	"Total Amount",
	"Status",
	"Price Pending",
	"Notes",
	"Idempotency Key",
	"Product Count",
	"Total Units",
	"Products",
}

// WriteOrdersCSV writes a header row and one row per order.
func WriteOrdersCSV(w io.Writer, orders []models.Order, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(Headers); err != nil {
		return err
	}
	for i := range orders {
		if err := cw.Write(row(&orders[i], loc)); err != nil {
			return fmt.Errorf("failed to write order %s: %w", orders[i].OrderID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func row(o *models.Order, loc *time.Location) []string {
	total := ""
	if o.TotalAmount.Valid {
		total = o.TotalAmount.Decimal.String()
	}

	return []string{
		o.OrderID,
		formatTime(o.CreatedAt, loc),
		formatTime(o.UpdatedAt, loc),
		o.CustomerName,
		o.StudentRoll,
		o.Department,
		o.Year,
		o.Section,
		o.Address,
		o.MobileNumber,
		o.WhatsappNumber,
		total,
		string(o.Status),
		strconv.FormatBool(o.PricePending),
		deref(o.Notes),
		deref(o.IdempotencyKey),
		strconv.Itoa(len(o.Products)),
		strconv.Itoa(o.Products.TotalUnits()),
		SummariseProducts(o.Products),
	}
}

// SummariseProducts renders line items as "name xQty @ price" joined by " | ".
// The price is the discount price when set, else the list price; a missing or
// zero price is left off.
func SummariseProducts(items models.LineItems) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		s := fmt.Sprintf("%s x%d", item.Name, item.Quantity)
		switch {
		case item.UnitDiscountPrice.Valid && !item.UnitDiscountPrice.Decimal.IsZero():
			s += " @ " + item.UnitDiscountPrice.Decimal.String()
		case item.UnitPrice.Valid && !item.UnitPrice.Decimal.IsZero():
			s += " @ " + item.UnitPrice.Decimal.String()
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " | ")
}

func formatTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	return t.In(loc).Format(TimeLayout)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// WriteFile writes the sheet to path through a temp file and rename.
func WriteFile(path string, orders []models.Order, loc *time.Location) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create export dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := WriteOrdersCSV(tmp, orders, loc); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Filename is the timestamped name used for one-off exports.
func Filename(now time.Time) string {
	return fmt.Sprintf("orders-%s.csv", now.UTC().Format("2006-01-02-15-04-05"))
}

// OrderSource lists orders for the sheet
type OrderSource interface {
	ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error)
}

// Exporter keeps a CSV copy of every order on disk, rewritten whenever an
// order is created or updated.
type Exporter struct {
	mu     sync.Mutex
	source OrderSource
	path   string
	loc    *time.Location
	logger *zap.Logger
}

// NewExporter creates an exporter writing to path
func NewExporter(source OrderSource, path string, loc *time.Location) *Exporter {
	return &Exporter{
		source: source,
		path:   path,
		loc:    loc,
		logger: util.GetLogger(),
	}
}

// Export rewrites the sheet and returns the number of rows written
func (e *Exporter) Export(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	orders, err := e.source.ListOrders(ctx, models.OrderFilter{})
	if err != nil {
		return 0, fmt.Errorf("failed to load orders for export: %w", err)
	}
	if err := WriteFile(e.path, orders, e.loc); err != nil {
		return 0, fmt.Errorf("failed to write export: %w", err)
	}

	e.logger.Debug("Orders exported", zap.String("path", e.path), zap.Int("rows", len(orders)))
	return len(orders), nil
}

// OnOrderCreated refreshes the sheet after a new order
func (e *Exporter) OnOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	_, err := e.Export(ctx)
	return err
}

// OnOrderUpdated refreshes the sheet after an admin patch
func (e *Exporter) OnOrderUpdated(ctx context.Context, event *models.OrderUpdatedEvent) error {
	_, err := e.Export(ctx)
	return err
}
