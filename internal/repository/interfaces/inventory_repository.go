package interfaces

import (
	"context"
	"time"

	"github.com/amiosamu/inventory-ledger/internal/domain"
)

// InventoryStore is the persistence boundary of the inventory service. All
// command writes go through WithinTransaction; the remaining methods are
// read-only queries or outbox bookkeeping.
type InventoryStore interface {
	// WithinTransaction runs fn in a unit of work. State and events saved
	// through uow become visible together when fn returns nil, and are
	// discarded when it returns an error.
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error

	// Get returns the committed state of a product, or a NotFound error.
	Get(ctx context.Context, productID string) (domain.Inventory, error)

	// ListBelowMinimum returns products whose available quantity is strictly
	// below their minimum, ordered by product id, starting after the cursor.
	ListBelowMinimum(ctx context.Context, after string, limit int) ([]domain.Inventory, error)

	// ListEvents returns the newest audit records of a product, oldest first.
	ListEvents(ctx context.Context, productID string, limit int) ([]domain.Record, error)

	// PendingEvents returns unpublished records in sequence order.
	PendingEvents(ctx context.Context, limit int) ([]domain.Record, error)

	// MarkEventsPublished stamps records as delivered outside a unit of work.
	MarkEventsPublished(ctx context.Context, ids []string, at time.Time) error

	HealthCheck(ctx context.Context) error
}

// UnitOfWork is the transactional view handed to WithinTransaction callbacks.
// Implementations hold an exclusive per-product lock from LoadForUpdate until
// the transaction ends.
type UnitOfWork interface {
	// LoadForUpdate locks productID and returns its state. The lock is taken
	// even when the product does not exist yet, so creation is serialised
	// too; in that case a NotFound error is returned.
	LoadForUpdate(ctx context.Context, productID string) (domain.Inventory, error)

	// Save upserts the state and appends records to the audit log as pending.
	Save(ctx context.Context, inv domain.Inventory, records []domain.Record) error

	ReservationExists(ctx context.Context, key domain.ReservationKey) (bool, error)
	RecordReservation(ctx context.Context, key domain.ReservationKey, at time.Time) error

	// MarkPublished stamps records saved in this unit of work as delivered.
	MarkPublished(ctx context.Context, ids []string, at time.Time) error
}
