package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"campus-store/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

const productColumns = `id, name, description, category, image_url, price, discount_price,
	quantity_available, quantity_available > 0 AS in_stock, created_at`

// Store is the postgres-backed catalog, order and audit store
type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Migrate creates the tables if they do not exist yet
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetProduct retrieves a product by ID
func (s *Store) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT "+productColumns+" FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// ListProducts retrieves all products
func (s *Store) ListProducts(ctx context.Context) ([]models.Product, error) {
	products := []models.Product{}
	err := s.db.SelectContext(ctx, &products, "SELECT "+productColumns+" FROM products ORDER BY created_at, id")
	return products, err
}

// DecrementStock takes quantity units of a product in a single conditional
// update, so concurrent orders can never drive the counter below zero.
func (s *Store) DecrementStock(ctx context.Context, id string, quantity int) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, `
		UPDATE products
		SET quantity_available = quantity_available - $1
		WHERE id = $2 AND quantity_available >= $1
		RETURNING `+productColumns,
		quantity, id)
	if err == nil {
		return &product, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to decrement stock: %w", err)
	}

	var available int
	err = s.db.GetContext(ctx, &available, "SELECT quantity_available FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return nil, &InsufficientStockError{ProductID: id, Available: available, Requested: quantity}
}

// RestoreStock gives back units taken by DecrementStock (compensation)
func (s *Store) RestoreStock(ctx context.Context, id string, quantity int) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE products SET quantity_available = quantity_available + $1 WHERE id = $2",
		quantity, id)
	if err != nil {
		return fmt.Errorf("failed to restore stock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpsertProduct inserts or replaces a catalog entry
func (s *Store) UpsertProduct(ctx context.Context, p *models.Product) error {
	p.Normalize()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO products (id, name, description, category, image_url, price, discount_price, quantity_available)
		VALUES (:id, :name, :description, :category, :image_url, :price, :discount_price, :quantity_available)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			category = EXCLUDED.category,
			image_url = EXCLUDED.image_url,
			price = EXCLUDED.price,
			discount_price = EXCLUDED.discount_price,
			quantity_available = EXCLUDED.quantity_available`, p)
	return err
}
