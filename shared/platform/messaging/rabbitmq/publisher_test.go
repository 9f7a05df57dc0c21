package rabbitmq

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/amiosamu/inventory-ledger/shared/platform/errors"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/metrics"
)

type fakeChannel struct {
	published []amqp.Publishing
	keys      []string
	confirms  chan amqp.Confirmation
	ack       bool
	silent    bool
	tag       uint64
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.published = append(f.published, msg)
	f.keys = append(f.keys, key)
	f.tag++
	if !f.silent {
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: f.ack}
	}
	return nil
}

func (f *fakeChannel) Confirm(bool) error { return nil }

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c
	return c
}

func (f *fakeChannel) Close() error { return nil }

func newPublisher(t *testing.T, ch *fakeChannel) *Publisher {
	t.Helper()
	p, err := NewPublisher(ch, "inventory.events", 50*time.Millisecond, logging.NewNoOpLogger(), metrics.NewInMemoryMetrics("test"))
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	return p
}

func TestPublishWaitsForAcks(t *testing.T) {
	ch := &fakeChannel{ack: true}
	p := newPublisher(t, ch)

	err := p.Publish(context.Background(), []Message{
		{RoutingKey: "inventory.PROD-1.reserved", Body: []byte(`{}`), Type: "InventoryReserved"},
		{RoutingKey: "inventory.PROD-1.low_stock", Body: []byte(`{}`), Type: "LowStockDetected"},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(ch.published) != 2 || ch.published[0].DeliveryMode != amqp.Persistent {
		t.Errorf("published = %+v", ch.published)
	}
	if ch.keys[1] != "inventory.PROD-1.low_stock" {
		t.Errorf("routing key = %s", ch.keys[1])
	}
}

func TestPublishNackFails(t *testing.T) {
	p := newPublisher(t, &fakeChannel{ack: false})

	err := p.Publish(context.Background(), []Message{{RoutingKey: "k", Body: []byte("x")}})
	if !errors.IsExternal(err) {
		t.Fatalf("expected external error, got %v", err)
	}
}

func TestPublishConfirmTimeout(t *testing.T) {
	p := newPublisher(t, &fakeChannel{silent: true})

	err := p.Publish(context.Background(), []Message{{RoutingKey: "k", Body: []byte("x")}})
	if errors.GetCode(err) != "PublishFailed" {
		t.Fatalf("expected PublishFailed, got %v", err)
	}
}
