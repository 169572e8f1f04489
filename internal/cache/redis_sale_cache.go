package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"retailpos/backend/internal/domain"
)

const saleKeyPrefix = "retailpos:sale:"

type RedisSaleCache struct {
	client redis.UniversalClient
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisSaleCache(client redis.UniversalClient) *RedisSaleCache {
	return &RedisSaleCache{client: client}
}

func (c *RedisSaleCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSaleCache) Get(ctx context.Context, saleID string) (*domain.SaleDetail, bool, error) {
	val, err := c.client.Get(ctx, saleKeyPrefix+saleID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var detail domain.SaleDetail
	if err := json.Unmarshal(val, &detail); err != nil {
		return nil, false, err
	}
	return &detail, true, nil
}

func (c *RedisSaleCache) Set(ctx context.Context, saleID string, value *domain.SaleDetail, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, saleKeyPrefix+saleID, payload, ttl).Err()
}
