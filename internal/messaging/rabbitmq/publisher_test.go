package rabbitmq

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/amiosamu/inventory-ledger/internal/domain"
	"github.com/amiosamu/inventory-ledger/shared/platform/errors"
	platformrabbit "github.com/amiosamu/inventory-ledger/shared/platform/messaging/rabbitmq"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/metrics"
)

// fakeChannel acks or nacks every publish according to ack.
type fakeChannel struct {
	mu        sync.Mutex
	ack       bool
	published []amqp.Publishing
	keys      []string
	confirms  chan amqp.Confirmation
	tag       uint64
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tag++
	c.published = append(c.published, msg)
	c.keys = append(c.keys, key)
	c.confirms <- amqp.Confirmation{DeliveryTag: c.tag, Ack: c.ack}
	return nil
}

func (c *fakeChannel) Confirm(bool) error { return nil }

func (c *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.confirms = confirm
	return confirm
}

func (c *fakeChannel) Close() error { return nil }

func newPublisher(t *testing.T, ack bool) (*Publisher, *fakeChannel) {
	t.Helper()
	ch := &fakeChannel{ack: ack}
	p, err := platformrabbit.NewPublisher(ch, "inventory", time.Second, logging.NewNoOpLogger(), metrics.NewNoOpMetrics())
	if err != nil {
		t.Fatal(err)
	}
	return NewPublisher(p), ch
}

func testRecords(t *testing.T) []domain.Record {
	t.Helper()
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	a, _ := domain.NewRecord("evt-1", domain.InventoryReserved{ProductID: "PROD-1", Quantity: 65, OrderID: "ORD-2", Timestamp: at})
	b, _ := domain.NewRecord("evt-2", domain.LowStockDetected{ProductID: "PROD-1", AvailableQuantity: 5, MinimumStockLevel: 10, Timestamp: at})
	return []domain.Record{a, b}
}

func TestPublishRoutesByProductAndType(t *testing.T) {
	pub, ch := newPublisher(t, true)
	if err := pub.Publish(context.Background(), testRecords(t)); err != nil {
		t.Fatal(err)
	}

	want := []string{"inventory.PROD-1.InventoryReserved", "inventory.PROD-1.LowStockDetected"}
	for i, key := range ch.keys {
		if key != want[i] {
			t.Errorf("key %d = %q, want %q", i, key, want[i])
		}
	}
	if ch.published[0].MessageId != "evt-1" || ch.published[0].DeliveryMode != amqp.Persistent {
		t.Errorf("publishing = %+v", ch.published[0])
	}
}

func TestNackFailsBatch(t *testing.T) {
	pub, _ := newPublisher(t, false)
	err := pub.Publish(context.Background(), testRecords(t))
	if !errors.IsExternal(err) || errors.GetCode(err) != "PublishFailed" {
		t.Fatalf("err = %v", err)
	}
}

func TestRoutingKeyEscapesDots(t *testing.T) {
	got := RoutingKey(domain.Record{ProductID: "sku.1", Type: domain.EventInventoryAdjusted})
	if got != "inventory.sku_1.InventoryAdjusted" {
		t.Errorf("key = %q", got)
	}
}
