// Package local is an in-process event bus for development and tests. It
// logs every event and keeps the most recent ones in memory.
package local

import (
	"context"
	"sync"

	"github.com/amiosamu/inventory-ledger/internal/domain"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
)

const defaultCapacity = 1000

type Publisher struct {
	mu       sync.RWMutex
	events   []domain.Record
	capacity int
	logger   logging.Logger
}

// NewPublisher keeps up to capacity events; older ones are dropped first.
func NewPublisher(capacity int, logger logging.Logger) *Publisher {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Publisher{capacity: capacity, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, records []domain.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	p.events = append(p.events, records...)
	if over := len(p.events) - p.capacity; over > 0 {
		p.events = append([]domain.Record(nil), p.events[over:]...)
	}
	p.mu.Unlock()

	for _, r := range records {
		p.logger.Info(ctx, "Inventory event published", map[string]interface{}{
			"event_id":   r.ID,
			"event_type": r.Type,
			"product_id": r.ProductID,
		})
	}
	return nil
}

// Events returns a copy of the retained events, oldest first.
func (p *Publisher) Events() []domain.Record {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]domain.Record(nil), p.events...)
}
