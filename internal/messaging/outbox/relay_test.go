package outbox

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/amiosamu/inventory-ledger/internal/domain"
	"github.com/amiosamu/inventory-ledger/internal/messaging"
	"github.com/amiosamu/inventory-ledger/internal/repository/interfaces"
	"github.com/amiosamu/inventory-ledger/internal/repository/memory"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/metrics"
)

var at = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *memory.InventoryStore, productID string, reserves int) {
	t.Helper()
	err := store.WithinTransaction(context.Background(), func(ctx context.Context, uow interfaces.UnitOfWork) error {
		if _, err := uow.LoadForUpdate(ctx, productID); err != nil && !stderrors.Is(err, domain.ErrNotFound) {
			return err
		}
		state, events, err := domain.Create(domain.CreateInventory{ProductID: productID, InitialQuantity: 100, Timestamp: at})
		if err != nil {
			return err
		}
		for i := 0; i < reserves; i++ {
			var more []domain.Event
			state, more, err = state.Reserve(domain.ReserveInventory{ProductID: productID, Quantity: 1, OrderID: "ORD", Timestamp: at})
			if err != nil {
				return err
			}
			events = append(events, more...)
		}
		records := make([]domain.Record, len(events))
		for i, e := range events {
			records[i], _ = domain.NewRecord(productID+"-"+string(rune('a'+i)), e)
		}
		return uow.Save(ctx, state, records)
	})
	if err != nil {
		t.Fatal(err)
	}
}

type recorder struct {
	mu     sync.Mutex
	got    map[string][]string
	failOn string
}

func (r *recorder) publisher() messaging.Publisher {
	return messaging.PublisherFunc(func(_ context.Context, records []domain.Record) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if records[0].ProductID == r.failOn {
			return stderrors.New("broker unavailable")
		}
		if r.got == nil {
			r.got = make(map[string][]string)
		}
		for _, rec := range records {
			r.got[rec.ProductID] = append(r.got[rec.ProductID], rec.ID)
		}
		return nil
	})
}

func TestRelayOncePublishesInOrderAndMarks(t *testing.T) {
	store := memory.NewInventoryStore(nil)
	seed(t, store, "PROD-1", 2)
	seed(t, store, "PROD-2", 1)

	rec := &recorder{}
	m := metrics.NewInMemoryMetrics("test")
	relay := NewRelay(store, rec.publisher(), time.Hour, 100, logging.NewNoOpLogger(), m)

	n, err := relay.RelayOnce(context.Background())
	if err != nil || n != 5 {
		t.Fatalf("RelayOnce = %d, %v", n, err)
	}
	if got := rec.got["PROD-1"]; len(got) != 3 || got[0] != "PROD-1-a" || got[2] != "PROD-1-c" {
		t.Errorf("PROD-1 order = %v", got)
	}
	if pending, _ := store.PendingEvents(context.Background(), 0); len(pending) != 0 {
		t.Errorf("%d records still pending", len(pending))
	}
	if got := m.CounterValue("outbox_published_total", nil); got != 5 {
		t.Errorf("published counter = %d", got)
	}

	n, _ = relay.RelayOnce(context.Background())
	if n != 0 {
		t.Errorf("second pass published %d", n)
	}
}

func TestRelayLeavesFailedProductPending(t *testing.T) {
	store := memory.NewInventoryStore(nil)
	seed(t, store, "PROD-1", 1)
	seed(t, store, "PROD-2", 0)

	rec := &recorder{failOn: "PROD-1"}
	relay := NewRelay(store, rec.publisher(), time.Hour, 100, logging.NewNoOpLogger(), metrics.NewNoOpMetrics())

	n, err := relay.RelayOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("RelayOnce = %d, %v", n, err)
	}
	pending, _ := store.PendingEvents(context.Background(), 0)
	if len(pending) != 2 || pending[0].ProductID != "PROD-1" {
		t.Fatalf("pending = %+v", pending)
	}

	rec.failOn = ""
	if n, _ := relay.RelayOnce(context.Background()); n != 2 {
		t.Errorf("retry published %d", n)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := memory.NewInventoryStore(nil)
	seed(t, store, "PROD-1", 0)
	rec := &recorder{}
	relay := NewRelay(store, rec.publisher(), 5*time.Millisecond, 10, logging.NewNoOpLogger(), metrics.NewNoOpMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	deadline := time.After(time.Second)
	for {
		if pending, _ := store.PendingEvents(context.Background(), 0); len(pending) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("relay never published")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestByProductKeepsOrder(t *testing.T) {
	in := []domain.Record{
		{ID: "1", ProductID: "A"}, {ID: "2", ProductID: "B"}, {ID: "3", ProductID: "A"},
	}
	out := byProduct(in)
	if len(out) != 2 || out[0][1].ID != "3" || out[1][0].ID != "2" {
		t.Errorf("byProduct = %+v", out)
	}
}
