package cache

import (
	"context"
	"sync"
	"time"

	"retailpos/backend/internal/domain"
)

// MemorySaleCache is a process-local SaleCache used by the in-memory
// backend and in tests.
type MemorySaleCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	detail    domain.SaleDetail
	expiresAt time.Time
}

func NewMemorySaleCache() *MemorySaleCache {
	return &MemorySaleCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemorySaleCache) Get(_ context.Context, saleID string) (*domain.SaleDetail, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[saleID]
	c.mu.RUnlock()
	if !ok || (!entry.expiresAt.IsZero() && c.now().After(entry.expiresAt)) {
		return nil, false, nil
	}
	detail := cloneDetail(entry.detail)
	return &detail, true, nil
}

func (c *MemorySaleCache) Set(_ context.Context, saleID string, value *domain.SaleDetail, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	entry := memoryEntry{detail: cloneDetail(*value)}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[saleID] = entry
	c.mu.Unlock()
	return nil
}

func cloneDetail(d domain.SaleDetail) domain.SaleDetail {
	items := make([]domain.SaleItem, len(d.Items))
	copy(items, d.Items)
	return domain.SaleDetail{Sale: d.Sale, Items: items}
}
