package cache

import (
	"context"
	"time"

	"retailpos/backend/internal/domain"
)

// SaleCache holds committed sales by ID. Sales are immutable once
// committed, so entries never need invalidation, only expiry.
type SaleCache interface {
	Get(ctx context.Context, saleID string) (*domain.SaleDetail, bool, error)
	Set(ctx context.Context, saleID string, value *domain.SaleDetail, ttl time.Duration) error
}

type NoopSaleCache struct{}

func (NoopSaleCache) Get(_ context.Context, _ string) (*domain.SaleDetail, bool, error) {
	return nil, false, nil
}

func (NoopSaleCache) Set(_ context.Context, _ string, _ *domain.SaleDetail, _ time.Duration) error {
	return nil
}
