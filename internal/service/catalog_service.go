package service

import (
	"context"
	"errors"
	"fmt"

	"campus-store/internal/models"
	"campus-store/internal/store"
)

// CatalogService exposes normalized product records
type CatalogService struct {
	catalog Catalog
}

// NewCatalogService creates a new catalog service
func NewCatalogService(catalog Catalog) *CatalogService {
	return &CatalogService{catalog: catalog}
}

// ListProducts returns every product with in_stock derived from the counter
func (s *CatalogService) ListProducts(ctx context.Context) ([]models.Product, error) {
	products, err := s.catalog.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	for i := range products {
		products[i].Normalize()
	}
	return products, nil
}

// GetProduct retrieves one product
func (s *CatalogService) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	product, err := s.catalog.GetProduct(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	product.Normalize()
	return product, nil
}
