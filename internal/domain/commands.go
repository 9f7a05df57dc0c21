package domain

import "time"

// Commands are plain inputs. The aggregate validates every field itself;
// Timestamp is filled by the caller's clock.

type CreateInventory struct {
	ProductID         string
	InitialQuantity   int64
	MinimumStockLevel int64
	Timestamp         time.Time
}

type ReserveInventory struct {
	ProductID string
	Quantity  int64
	OrderID   string
	Timestamp time.Time
}

// ReservationKey identifies a reserve command for deduplication.
type ReservationKey struct {
	OrderID   string
	ProductID string
	Quantity  int64
}

func (c ReserveInventory) Key() ReservationKey {
	return ReservationKey{OrderID: c.OrderID, ProductID: c.ProductID, Quantity: c.Quantity}
}

type ReleaseInventory struct {
	ProductID string
	Quantity  int64
	OrderID   string
	Reason    string
	Timestamp time.Time
}

type AdjustInventory struct {
	ProductID   string
	NewQuantity int64
	Reason      string
	AdjustedBy  string
	Timestamp   time.Time
}
