package memory

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/amiosamu/inventory-ledger/internal/domain"
	"github.com/amiosamu/inventory-ledger/internal/lock"
	"github.com/amiosamu/inventory-ledger/internal/repository/interfaces"
	"github.com/amiosamu/inventory-ledger/shared/platform/errors"
)

var ts = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *InventoryStore, id string, total, reserved, minimum int64) {
	t.Helper()
	err := s.WithinTransaction(context.Background(), func(ctx context.Context, uow interfaces.UnitOfWork) error {
		inv, err := domain.Reconstruct(id, total, reserved, minimum, ts, ts, 1)
		if err != nil {
			return err
		}
		rec, err := domain.NewRecord(id+"-created", domain.InventoryCreated{ProductID: id, InitialQuantity: total, Timestamp: ts})
		if err != nil {
			return err
		}
		return uow.Save(ctx, inv, []domain.Record{rec})
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestRollbackDiscardsWrites(t *testing.T) {
	s := NewInventoryStore(nil)
	boom := stderrors.New("publish failed")

	err := s.WithinTransaction(context.Background(), func(ctx context.Context, uow interfaces.UnitOfWork) error {
		if _, err := uow.LoadForUpdate(ctx, "PROD-1"); !errors.IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
		inv, events, err := domain.Create(domain.CreateInventory{ProductID: "PROD-1", InitialQuantity: 5, Timestamp: ts})
		if err != nil {
			return err
		}
		rec, _ := domain.NewRecord("e1", events[0])
		if err := uow.Save(ctx, inv, []domain.Record{rec}); err != nil {
			return err
		}
		if err := uow.RecordReservation(ctx, domain.ReservationKey{OrderID: "ORD-1", ProductID: "PROD-1", Quantity: 1}, ts); err != nil {
			return err
		}
		return boom
	})
	if !stderrors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	if _, err := s.Get(context.Background(), "PROD-1"); !errors.IsNotFound(err) {
		t.Errorf("state leaked after rollback: %v", err)
	}
	if pending, _ := s.PendingEvents(context.Background(), 0); len(pending) != 0 {
		t.Errorf("events leaked after rollback: %d", len(pending))
	}
}

func TestCommitAssignsSequenceAndPublishedMarks(t *testing.T) {
	s := NewInventoryStore(lock.NewKeyedMutex())
	seed(t, s, "PROD-1", 10, 0, 0)

	err := s.WithinTransaction(context.Background(), func(ctx context.Context, uow interfaces.UnitOfWork) error {
		inv, err := uow.LoadForUpdate(ctx, "PROD-1")
		if err != nil {
			return err
		}
		next, events, err := inv.Reserve(domain.ReserveInventory{ProductID: "PROD-1", Quantity: 4, OrderID: "ORD-1", Timestamp: ts})
		if err != nil {
			return err
		}
		rec, _ := domain.NewRecord("e2", events[0])
		if err := uow.Save(ctx, next, []domain.Record{rec}); err != nil {
			return err
		}
		return uow.MarkPublished(ctx, []string{"e2"}, ts)
	})
	if err != nil {
		t.Fatal(err)
	}

	events, _ := s.ListEvents(context.Background(), "PROD-1", 10)
	if len(events) != 2 || events[0].Sequence != 1 || events[1].Sequence != 2 {
		t.Fatalf("events = %+v", events)
	}
	if events[1].PublishedAt == nil || events[0].PublishedAt != nil {
		t.Errorf("published marks wrong: %+v", events)
	}

	pending, _ := s.PendingEvents(context.Background(), 10)
	if len(pending) != 1 || pending[0].ID != "PROD-1-created" {
		t.Fatalf("pending = %+v", pending)
	}
	if err := s.MarkEventsPublished(context.Background(), []string{"PROD-1-created"}, ts); err != nil {
		t.Fatal(err)
	}
	if pending, _ := s.PendingEvents(context.Background(), 10); len(pending) != 0 {
		t.Errorf("pending after mark = %d", len(pending))
	}
}

func TestReservationVisibleAfterCommit(t *testing.T) {
	s := NewInventoryStore(nil)
	key := domain.ReservationKey{OrderID: "ORD-1", ProductID: "PROD-1", Quantity: 3}

	_ = s.WithinTransaction(context.Background(), func(ctx context.Context, uow interfaces.UnitOfWork) error {
		return uow.RecordReservation(ctx, key, ts)
	})
	_ = s.WithinTransaction(context.Background(), func(ctx context.Context, uow interfaces.UnitOfWork) error {
		ok, err := uow.ReservationExists(ctx, key)
		if err != nil || !ok {
			t.Errorf("exists = %v, %v", ok, err)
		}
		other := key
		other.Quantity = 4
		if ok, _ := uow.ReservationExists(ctx, other); ok {
			t.Error("different quantity must be a different key")
		}
		return nil
	})
}

func TestListBelowMinimumOrderedAndPaged(t *testing.T) {
	s := NewInventoryStore(nil)
	for i := 5; i >= 1; i-- {
		seed(t, s, fmt.Sprintf("PROD-%d", i), 10, int64(i*2), 5)
	}
	// available: PROD-1=8, PROD-2=6, PROD-3=4, PROD-4=2, PROD-5=0; minimum 5

	page, _ := s.ListBelowMinimum(context.Background(), "", 2)
	if len(page) != 2 || page[0].ProductID() != "PROD-3" || page[1].ProductID() != "PROD-4" {
		t.Fatalf("first page = %v", ids(page))
	}
	page, _ = s.ListBelowMinimum(context.Background(), page[1].ProductID(), 2)
	if len(page) != 1 || page[0].ProductID() != "PROD-5" {
		t.Fatalf("second page = %v", ids(page))
	}
}

func TestLoadForUpdateTimesOutWhileHeld(t *testing.T) {
	locker := lock.NewKeyedMutex()
	s := NewInventoryStore(locker)
	release, _ := locker.Acquire(context.Background(), "PROD-1")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.WithinTransaction(ctx, func(ctx context.Context, uow interfaces.UnitOfWork) error {
		_, err := uow.LoadForUpdate(ctx, "PROD-1")
		return err
	})
	if !lock.IsTimeout(err) {
		t.Fatalf("err = %v", err)
	}
}

func ids(items []domain.Inventory) []string {
	out := make([]string, len(items))
	for i, inv := range items {
		out[i] = inv.ProductID()
	}
	return out
}
