package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/amiosamu/inventory-ledger/internal/domain"
	"github.com/amiosamu/inventory-ledger/internal/repository/interfaces"
	"github.com/amiosamu/inventory-ledger/shared/platform/database/postgres"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
)

// InventoryRepository implements interfaces.InventoryStore on PostgreSQL.
// Per-product exclusion inside a transaction comes from a transaction-scoped
// advisory lock plus SELECT ... FOR UPDATE, bounded by lock_timeout.
type InventoryRepository struct {
	db          *sqlx.DB
	lockTimeout time.Duration
	logger      logging.Logger
}

func NewInventoryRepository(db *sqlx.DB, lockTimeout time.Duration, logger logging.Logger) *InventoryRepository {
	return &InventoryRepository{db: db, lockTimeout: lockTimeout, logger: logger}
}

var _ interfaces.InventoryStore = (*InventoryRepository)(nil)

// txRetries is how many times a unit of work is rerun after a deadlock or
// serialization failure. Lock timeouts are not retried here.
const txRetries = 2

type inventoryRow struct {
	ProductID         string    `db:"product_id"`
	TotalQuantity     int64     `db:"total_quantity"`
	ReservedQuantity  int64     `db:"reserved_quantity"`
	MinimumStockLevel int64     `db:"minimum_stock_level"`
	Version           int64     `db:"version"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r inventoryRow) toDomain() (domain.Inventory, error) {
	return domain.Reconstruct(r.ProductID, r.TotalQuantity, r.ReservedQuantity, r.MinimumStockLevel,
		r.CreatedAt, r.UpdatedAt, r.Version)
}

func rowFromDomain(inv domain.Inventory) inventoryRow {
	return inventoryRow{
		ProductID:         inv.ProductID(),
		TotalQuantity:     inv.TotalQuantity(),
		ReservedQuantity:  inv.ReservedQuantity(),
		MinimumStockLevel: inv.MinimumStockLevel(),
		Version:           inv.Version(),
		CreatedAt:         inv.CreatedAt(),
		UpdatedAt:         inv.UpdatedAt(),
	}
}

// eventRow carries the payload as text; lib/pq would send []byte as bytea.
type eventRow struct {
	ID          string     `db:"id"`
	Sequence    int64      `db:"sequence"`
	Type        string     `db:"event_type"`
	ProductID   string     `db:"product_id"`
	OccurredAt  time.Time  `db:"occurred_at"`
	Payload     string     `db:"payload"`
	PublishedAt *time.Time `db:"published_at"`
}

func (e eventRow) toDomain() domain.Record {
	return domain.Record{
		ID:          e.ID,
		Sequence:    e.Sequence,
		Type:        e.Type,
		ProductID:   e.ProductID,
		OccurredAt:  e.OccurredAt,
		Payload:     []byte(e.Payload),
		PublishedAt: e.PublishedAt,
	}
}

const (
	selectInventory = `
		SELECT product_id, total_quantity, reserved_quantity, minimum_stock_level,
			   version, created_at, updated_at
		FROM inventory`

	selectEvents = `
		SELECT id, sequence, event_type, product_id, occurred_at, payload::text AS payload, published_at
		FROM inventory_events`
)

func (r *InventoryRepository) WithinTransaction(ctx context.Context, fn func(ctx context.Context, uow interfaces.UnitOfWork) error) error {
	return postgres.WithTransactionRetry(ctx, r.db, txRetries, r.logger, func(tx *sqlx.Tx) error {
		if r.lockTimeout > 0 {
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return postgres.ClassifyError(err, "failed to set lock timeout")
			}
		}
		return fn(ctx, &unitOfWork{tx: tx})
	})
}

func (r *InventoryRepository) Get(ctx context.Context, productID string) (domain.Inventory, error) {
	var row inventoryRow
	err := r.db.GetContext(ctx, &row, selectInventory+` WHERE product_id = $1`, productID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return domain.Inventory{}, domain.NewNotFoundError(productID)
	}
	if err != nil {
		return domain.Inventory{}, postgres.ClassifyError(err, "failed to get inventory")
	}
	return row.toDomain()
}

func (r *InventoryRepository) ListBelowMinimum(ctx context.Context, after string, limit int) ([]domain.Inventory, error) {
	var rows []inventoryRow
	err := r.db.SelectContext(ctx, &rows, selectInventory+`
		WHERE total_quantity - reserved_quantity < minimum_stock_level
		  AND product_id > $1
		ORDER BY product_id
		LIMIT $2`, after, limit)
	if err != nil {
		return nil, postgres.ClassifyError(err, "failed to list low stock inventory")
	}

	out := make([]domain.Inventory, 0, len(rows))
	for _, row := range rows {
		inv, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

func (r *InventoryRepository) ListEvents(ctx context.Context, productID string, limit int) ([]domain.Record, error) {
	var rows []eventRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM (`+selectEvents+`
			WHERE product_id = $1
			ORDER BY sequence DESC
			LIMIT $2
		) newest ORDER BY sequence`, productID, limit)
	if err != nil {
		return nil, postgres.ClassifyError(err, "failed to list inventory events")
	}
	return toRecords(rows), nil
}

func (r *InventoryRepository) PendingEvents(ctx context.Context, limit int) ([]domain.Record, error) {
	var rows []eventRow
	err := r.db.SelectContext(ctx, &rows, selectEvents+`
		WHERE published_at IS NULL
		ORDER BY sequence
		LIMIT $1`, limit)
	if err != nil {
		return nil, postgres.ClassifyError(err, "failed to load pending events")
	}
	return toRecords(rows), nil
}

func (r *InventoryRepository) MarkEventsPublished(ctx context.Context, ids []string, at time.Time) error {
	return markPublished(ctx, r.db, ids, at)
}

func (r *InventoryRepository) HealthCheck(ctx context.Context) error {
	return postgres.ClassifyError(r.db.PingContext(ctx), "postgres ping failed")
}

func toRecords(rows []eventRow) []domain.Record {
	out := make([]domain.Record, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out
}

func markPublished(ctx context.Context, db sqlx.ExecerContext, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.ExecContext(ctx,
		`UPDATE inventory_events SET published_at = $1 WHERE id = ANY($2) AND published_at IS NULL`,
		at, pq.Array(ids))
	if err != nil {
		return postgres.ClassifyError(err, "failed to mark events published")
	}
	return nil
}

type unitOfWork struct {
	tx *sqlx.Tx
}

func (u *unitOfWork) LoadForUpdate(ctx context.Context, productID string) (domain.Inventory, error) {
	// The advisory lock also covers products that have no row yet.
	if _, err := u.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, productID); err != nil {
		return domain.Inventory{}, postgres.ClassifyError(err, "failed to lock inventory")
	}

	var row inventoryRow
	err := u.tx.GetContext(ctx, &row, selectInventory+` WHERE product_id = $1 FOR UPDATE`, productID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return domain.Inventory{}, domain.NewNotFoundError(productID)
	}
	if err != nil {
		return domain.Inventory{}, postgres.ClassifyError(err, "failed to load inventory")
	}
	return row.toDomain()
}

func (u *unitOfWork) Save(ctx context.Context, inv domain.Inventory, records []domain.Record) error {
	_, err := u.tx.NamedExecContext(ctx, `
		INSERT INTO inventory (product_id, total_quantity, reserved_quantity, minimum_stock_level,
							   version, created_at, updated_at)
		VALUES (:product_id, :total_quantity, :reserved_quantity, :minimum_stock_level,
				:version, :created_at, :updated_at)
		ON CONFLICT (product_id) DO UPDATE SET
			total_quantity      = EXCLUDED.total_quantity,
			reserved_quantity   = EXCLUDED.reserved_quantity,
			minimum_stock_level = EXCLUDED.minimum_stock_level,
			version             = EXCLUDED.version,
			updated_at          = EXCLUDED.updated_at`, rowFromDomain(inv))
	if err != nil {
		return postgres.ClassifyError(err, "failed to save inventory")
	}

	for _, rec := range records {
		_, err := u.tx.ExecContext(ctx, `
			INSERT INTO inventory_events (id, event_type, product_id, occurred_at, payload)
			VALUES ($1, $2, $3, $4, $5::jsonb)`,
			rec.ID, rec.Type, rec.ProductID, rec.OccurredAt, string(rec.Payload))
		if err != nil {
			return postgres.ClassifyError(err, "failed to append inventory event")
		}
	}
	return nil
}

func (u *unitOfWork) ReservationExists(ctx context.Context, key domain.ReservationKey) (bool, error) {
	var exists bool
	err := u.tx.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM reservation_keys
			WHERE order_id = $1 AND product_id = $2 AND quantity = $3
		)`, key.OrderID, key.ProductID, key.Quantity)
	if err != nil {
		return false, postgres.ClassifyError(err, "failed to check reservation key")
	}
	return exists, nil
}

func (u *unitOfWork) RecordReservation(ctx context.Context, key domain.ReservationKey, at time.Time) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO reservation_keys (order_id, product_id, quantity, reserved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`, key.OrderID, key.ProductID, key.Quantity, at)
	if err != nil {
		return postgres.ClassifyError(err, "failed to record reservation key")
	}
	return nil
}

func (u *unitOfWork) MarkPublished(ctx context.Context, ids []string, at time.Time) error {
	return markPublished(ctx, u.tx, ids, at)
}
