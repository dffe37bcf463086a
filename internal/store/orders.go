package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"campus-store/internal/models"

	"github.com/lib/pq"
)

const orderColumns = `id, order_id, customer_name, address, mobile_number, whatsapp_number,
	student_roll, department, year, section, products, total_amount, price_pending, status,
	notes, idempotency_key, created_at, updated_at`

const uniqueViolation = "23505"

// CreateOrder inserts an order. When the order carries an idempotency key, the
// insert is serialized per key with an advisory lock and refused with
// ErrDuplicateIdempotencyKey if the key was used at or after dedupeSince.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, dedupeSince time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if order.IdempotencyKey != nil {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", *order.IdempotencyKey); err != nil {
			return fmt.Errorf("failed to lock idempotency key: %w", err)
		}

		var exists bool
		err := tx.GetContext(ctx, &exists,
			"SELECT EXISTS(SELECT 1 FROM orders WHERE idempotency_key = $1 AND created_at >= $2)",
			*order.IdempotencyKey, dedupeSince)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (:id, :order_id, :customer_name, :address, :mobile_number, :whatsapp_number,
			:student_roll, :department, :year, :section, :products, :total_amount, :price_pending,
			:status, :notes, :idempotency_key, :created_at, :updated_at)`, order)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == "orders_order_id_key" {
			return ErrDuplicateOrderID
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}

	return tx.Commit()
}

// OrderIDExists checks whether a human-readable order id is taken
func (s *Store) OrderIDExists(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM orders WHERE order_id = $1)", orderID)
	return exists, err
}

// GetOrderByOrderID retrieves an order by its human-readable id
func (s *Store) GetOrderByOrderID(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE order_id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves the newest order created with key at or
// after since. It returns nil, nil when there is none.
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string, since time.Time) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, `
		SELECT `+orderColumns+` FROM orders
		WHERE idempotency_key = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT 1`, key, since)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrders retrieves orders newest first
func (s *Store) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error) {
	var (
		where []string
		args  []interface{}
	)

	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("LOWER(status) = LOWER($%d)", len(args)))
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		args = append(args, "%"+q+"%")
		n := len(args)
		where = append(where, fmt.Sprintf(
			"(customer_name ILIKE $%[1]d OR mobile_number ILIKE $%[1]d OR order_id ILIKE $%[1]d OR student_roll ILIKE $%[1]d OR department ILIKE $%[1]d)", n))
	}

	query := "SELECT " + orderColumns + " FROM orders"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders, query, args...)
	return orders, err
}

// UpdateOrder applies an admin patch under a row lock
func (s *Store) UpdateOrder(ctx context.Context, orderID string, patch models.OrderPatch, now time.Time) (*models.Order, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var order models.Order
	err = tx.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE order_id = $1 FOR UPDATE", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	order.ApplyPatch(patch, now)

	_, err = tx.NamedExecContext(ctx, `
		UPDATE orders
		SET status = :status, notes = :notes, total_amount = :total_amount,
			price_pending = :price_pending, updated_at = :updated_at
		WHERE id = :id`, &order)
	if err != nil {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &order, nil
}

// RecordAudit appends an audit entry
func (s *Store) RecordAudit(ctx context.Context, entry *models.AuditEntry) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO order_audit (id, action, order_id, user_roll, payload, error_code, ip_address, user_agent, created_at)
		VALUES (:id, :action, :order_id, :user_roll, :payload, :error_code, :ip_address, :user_agent, :created_at)`, entry)
	return err
}

// ListAudit retrieves the newest audit entries
func (s *Store) ListAudit(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	entries := []models.AuditEntry{}
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, action, order_id, user_roll, payload, error_code, ip_address, user_agent, created_at
		FROM order_audit
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	return entries, err
}
