// Package messaging defines how committed inventory events leave the service.
package messaging

import (
	"context"

	"github.com/amiosamu/inventory-ledger/internal/domain"
)

// Publisher delivers audit records to the event bus, in order. A nil error
// means every record was accepted by the broker.
type Publisher interface {
	Publish(ctx context.Context, records []domain.Record) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, records []domain.Record) error

func (f PublisherFunc) Publish(ctx context.Context, records []domain.Record) error {
	return f(ctx, records)
}
