// Package filestore keeps products, orders and the audit log in JSON files under
// a single data directory. Every operation holds one process-wide mutex, so a
// stock check and its decrement can never interleave with another request.
package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"campus-store/internal/models"
	"campus-store/internal/store"
)

const (
	productsFile = "products.json"
	ordersFile   = "orders.json"
	auditFile    = "order_audit.jsonl"
)

// Store is the file-backed catalog, order and audit store
type Store struct {
	mu           sync.Mutex
	productsPath string
	ordersPath   string
	auditPath    string
}

// New opens the data directory, creating empty data files when missing
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	s := &Store{
		productsPath: filepath.Join(dir, productsFile),
		ordersPath:   filepath.Join(dir, ordersFile),
		auditPath:    filepath.Join(dir, auditFile),
	}

	for _, path := range []string{s.productsPath, s.ordersPath} {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			if err := writeJSON(path, []struct{}{}); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}
	}

	return s, nil
}

// productRecord is the on-disk product shape. Older catalogs carry "stock"
// instead of "quantity_available".
type productRecord struct {
	models.Product
}

func (r *productRecord) UnmarshalJSON(data []byte) error {
	var aux struct {
		QuantityAvailable *int `json:"quantity_available"`
		Stock             *int `json:"stock"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if err := json.Unmarshal(data, &r.Product); err != nil {
		return err
	}
	switch {
	case aux.QuantityAvailable != nil:
		r.QuantityAvailable = *aux.QuantityAvailable
	case aux.Stock != nil:
		r.QuantityAvailable = *aux.Stock
	default:
		r.QuantityAvailable = 0
	}
	r.Normalize()
	return nil
}

func (s *Store) loadProducts() ([]models.Product, error) {
	var records []productRecord
	if err := readJSON(s.productsPath, &records); err != nil {
		return nil, err
	}
	products := make([]models.Product, len(records))
	for i := range records {
		products[i] = records[i].Product
	}
	return products, nil
}

func (s *Store) saveProducts(products []models.Product) error {
	for i := range products {
		products[i].Normalize()
	}
	return writeJSON(s.productsPath, products)
}

func (s *Store) loadOrders() ([]models.Order, error) {
	var orders []models.Order
	if err := readJSON(s.ordersPath, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// ListProducts returns every product in file order
func (s *Store) ListProducts(ctx context.Context) ([]models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadProducts()
}

// GetProduct retrieves a product by ID
func (s *Store) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	products, err := s.loadProducts()
	if err != nil {
		return nil, err
	}
	for i := range products {
		if products[i].ID == id {
			return &products[i], nil
		}
	}
	return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
}

// SaveProducts replaces the whole catalog
func (s *Store) SaveProducts(ctx context.Context, products []models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveProducts(products)
}

// DecrementStock checks and takes stock in one critical section
func (s *Store) DecrementStock(ctx context.Context, id string, quantity int) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	products, err := s.loadProducts()
	if err != nil {
		return nil, err
	}

	for i := range products {
		p := &products[i]
		if p.ID != id {
			continue
		}
		if !p.InStock || p.QuantityAvailable < quantity {
			return nil, &store.InsufficientStockError{ProductID: id, Available: p.QuantityAvailable, Requested: quantity}
		}
		p.QuantityAvailable -= quantity
		p.Normalize()
		if err := s.saveProducts(products); err != nil {
			return nil, fmt.Errorf("failed to decrement stock: %w", err)
		}
		updated := *p
		return &updated, nil
	}

	return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
}

// RestoreStock gives back units taken by DecrementStock (compensation)
func (s *Store) RestoreStock(ctx context.Context, id string, quantity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	products, err := s.loadProducts()
	if err != nil {
		return err
	}
	for i := range products {
		if products[i].ID == id {
			products[i].QuantityAvailable += quantity
			return s.saveProducts(products)
		}
	}
	return fmt.Errorf("product %s: %w", id, store.ErrNotFound)
}

// CreateOrder prepends an order, newest first like the order listing
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, dedupeSince time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders, err := s.loadOrders()
	if err != nil {
		return err
	}

	for i := range orders {
		if orders[i].OrderID == order.OrderID {
			return store.ErrDuplicateOrderID
		}
		if order.IdempotencyKey != nil && orders[i].HasIdempotencyKey(*order.IdempotencyKey) &&
			!orders[i].CreatedAt.Before(dedupeSince) {
			return store.ErrDuplicateIdempotencyKey
		}
	}

	orders = append([]models.Order{*order}, orders...)
	if err := writeJSON(s.ordersPath, orders); err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// OrderIDExists checks whether a human-readable order id is taken
func (s *Store) OrderIDExists(ctx context.Context, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders, err := s.loadOrders()
	if err != nil {
		return false, err
	}
	for i := range orders {
		if orders[i].OrderID == orderID {
			return true, nil
		}
	}
	return false, nil
}

// GetOrderByOrderID retrieves an order by its human-readable id
func (s *Store) GetOrderByOrderID(ctx context.Context, orderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders, err := s.loadOrders()
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].OrderID == orderID {
			return &orders[i], nil
		}
	}
	return nil, fmt.Errorf("order %s: %w", orderID, store.ErrNotFound)
}

// GetOrderByIdempotencyKey returns the newest order created with key at or after
// since, or nil, nil when there is none.
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string, since time.Time) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders, err := s.loadOrders()
	if err != nil {
		return nil, err
	}

	var found *models.Order
	for i := range orders {
		o := &orders[i]
		if !o.HasIdempotencyKey(key) || o.CreatedAt.Before(since) {
			continue
		}
		if found == nil || o.CreatedAt.After(found.CreatedAt) {
			found = o
		}
	}
	return found, nil
}

// ListOrders returns matching orders newest first
func (s *Store) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders, err := s.loadOrders()
	if err != nil {
		return nil, err
	}

	matched := make([]models.Order, 0, len(orders))
	for i := range orders {
		if filter.Matches(&orders[i]) {
			matched = append(matched, orders[i])
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return matched, nil
}

// UpdateOrder applies an admin patch
func (s *Store) UpdateOrder(ctx context.Context, orderID string, patch models.OrderPatch, now time.Time) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders, err := s.loadOrders()
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].OrderID != orderID {
			continue
		}
		orders[i].ApplyPatch(patch, now)
		if err := writeJSON(s.ordersPath, orders); err != nil {
			return nil, fmt.Errorf("failed to update order: %w", err)
		}
		updated := orders[i]
		return &updated, nil
	}
	return nil, fmt.Errorf("order %s: %w", orderID, store.ErrNotFound)
}

// RecordAudit appends one JSON line to the audit log
func (s *Store) RecordAudit(ctx context.Context, entry *models.AuditEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ListAudit returns up to limit audit entries, newest first
func (s *Store) ListAudit(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.auditPath)
	if errors.Is(err, os.ErrNotExist) {
		return []models.AuditEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []models.AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry models.AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("corrupt audit line: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	result := make([]models.AuditEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0 && (limit <= 0 || len(result) < limit); i-- {
		result = append(result, entries[i])
	}
	return result, nil
}

// Ping reports whether the data directory is still readable
func (s *Store) Ping(ctx context.Context) error {
	_, err := os.Stat(s.ordersPath)
	return err
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSON replaces path atomically so a crash never leaves a torn file.
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
