package kafka

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/amiosamu/inventory-ledger/internal/domain"
	"github.com/amiosamu/inventory-ledger/shared/platform/errors"
	platformkafka "github.com/amiosamu/inventory-ledger/shared/platform/messaging/kafka"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
)

const (
	source       = "inventory-service"
	eventVersion = "1.0"
)

// Sender is the part of the platform producer the publisher needs.
type Sender interface {
	SendMessages(ctx context.Context, msgs []platformkafka.Message) error
}

// Publisher writes inventory events to one topic, keyed by product id so a
// product's events stay in order on a single partition.
type Publisher struct {
	sender Sender
	topic  string
	logger logging.Logger
}

func NewPublisher(sender Sender, topic string, logger logging.Logger) *Publisher {
	return &Publisher{sender: sender, topic: topic, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}

	msgs := make([]platformkafka.Message, 0, len(records))
	for _, r := range records {
		value, err := json.Marshal(Envelope(r))
		if err != nil {
			return errors.NewInternal("failed to marshal inventory event").WithCause(err)
		}
		msgs = append(msgs, platformkafka.Message{
			Topic: p.topic,
			Key:   r.ProductID,
			Value: value,
			Headers: map[string]string{
				"event-type":     r.Type,
				"event-id":       r.ID,
				"event-version":  eventVersion,
				"source-service": source,
				"product-id":     r.ProductID,
			},
		})
	}

	if err := p.sender.SendMessages(ctx, msgs); err != nil {
		return err
	}

	p.logger.Debug(ctx, "Inventory events published", map[string]interface{}{
		"topic":      p.topic,
		"product_id": records[0].ProductID,
		"count":      len(records),
	})
	return nil
}

// Envelope wraps a record in the platform event envelope.
func Envelope(r domain.Record) platformkafka.Event {
	meta := map[string]string{"version": eventVersion}
	if r.Sequence > 0 {
		meta["sequence"] = strconv.FormatInt(r.Sequence, 10)
	}
	return platformkafka.Event{
		ID:       r.ID,
		Type:     r.Type,
		Source:   source,
		Subject:  r.ProductID,
		Time:     r.OccurredAt,
		Data:     r.Payload,
		Metadata: meta,
	}
}
