package rabbitmq

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/amiosamu/inventory-ledger/internal/domain"
	"github.com/amiosamu/inventory-ledger/shared/platform/errors"
	platformrabbit "github.com/amiosamu/inventory-ledger/shared/platform/messaging/rabbitmq"
)

// Sender is the part of the platform publisher this adapter needs.
type Sender interface {
	Publish(ctx context.Context, msgs []platformrabbit.Message) error
}

// Publisher routes inventory events to a topic exchange under
// inventory.<product>.<event type>, so consumers can bind per product or per
// event type.
type Publisher struct {
	sender Sender
}

func NewPublisher(sender Sender) *Publisher {
	return &Publisher{sender: sender}
}

func (p *Publisher) Publish(ctx context.Context, records []domain.Record) error {
	msgs := make([]platformrabbit.Message, 0, len(records))
	for _, r := range records {
		body, err := json.Marshal(r)
		if err != nil {
			return errors.NewInternal("failed to marshal inventory event").WithCause(err)
		}
		msgs = append(msgs, platformrabbit.Message{
			RoutingKey: RoutingKey(r),
			MessageID:  r.ID,
			Type:       r.Type,
			Timestamp:  r.OccurredAt,
			Body:       body,
			Headers:    map[string]string{"product-id": r.ProductID},
		})
	}
	return p.sender.Publish(ctx, msgs)
}

// RoutingKey returns the topic routing key for r. Dots in the product id are
// replaced so they do not add routing segments.
func RoutingKey(r domain.Record) string {
	return "inventory." + strings.ReplaceAll(r.ProductID, ".", "_") + "." + r.Type
}
