package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/amiosamu/inventory-ledger/internal/domain"
	platformredis "github.com/amiosamu/inventory-ledger/shared/platform/database/redis"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
)

// ReservationCache remembers reserve keys that have already been committed.
// It only short-cuts duplicates; the durable record in the store decides.
// Redis failures are logged and treated as a cache miss.
type ReservationCache struct {
	conn   *platformredis.Connection
	ttl    time.Duration
	logger logging.Logger
}

func NewReservationCache(conn *platformredis.Connection, ttl time.Duration, logger logging.Logger) *ReservationCache {
	return &ReservationCache{conn: conn, ttl: ttl, logger: logger}
}

func cacheKey(key domain.ReservationKey) string {
	return fmt.Sprintf("inventory:reservation:%s:%s:%d", key.OrderID, key.ProductID, key.Quantity)
}

func (c *ReservationCache) Seen(ctx context.Context, key domain.ReservationKey) bool {
	ok, err := c.conn.Exists(ctx, cacheKey(key))
	if err != nil {
		c.logger.Warn(ctx, "Reservation cache lookup failed", map[string]interface{}{
			"order_id":   key.OrderID,
			"product_id": key.ProductID,
			"error":      err.Error(),
		})
		return false
	}
	return ok
}

func (c *ReservationCache) Remember(ctx context.Context, key domain.ReservationKey) {
	if err := c.conn.Set(ctx, cacheKey(key), 1, c.ttl); err != nil {
		c.logger.Warn(ctx, "Reservation cache write failed", map[string]interface{}{
			"order_id":   key.OrderID,
			"product_id": key.ProductID,
			"error":      err.Error(),
		})
	}
}
