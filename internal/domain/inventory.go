package domain

import (
	"fmt"
	"time"

	apperrors "github.com/amiosamu/inventory-ledger/shared/platform/errors"
)

// Inventory is the stock state of one product and the aggregate root of the
// service. It is a value: every command method returns a new Inventory and
// the events describing the change, and leaves the receiver untouched.
//
// Available quantity is derived and never stored.
type Inventory struct {
	productID         string
	totalQuantity     int64
	reservedQuantity  int64
	minimumStockLevel int64

	createdAt time.Time
	updatedAt time.Time
	version   int64 // incremented on every successful mutation
}

var monitor StockLevelMonitor

// Create builds a new inventory record. Explicit creation and the implicit
// creation of unknown products on reserve/adjust both go through here.
func Create(cmd CreateInventory) (Inventory, []Event, error) {
	if err := ValidateProductID(cmd.ProductID); err != nil {
		return Inventory{}, nil, err
	}
	if err := CheckQuantities(cmd.InitialQuantity, 0, cmd.MinimumStockLevel); err != nil {
		return Inventory{}, nil, err
	}

	inv := Inventory{
		productID:         cmd.ProductID,
		totalQuantity:     cmd.InitialQuantity,
		minimumStockLevel: cmd.MinimumStockLevel,
		createdAt:         cmd.Timestamp,
		updatedAt:         cmd.Timestamp,
		version:           1,
	}

	created := InventoryCreated{
		ProductID:         cmd.ProductID,
		InitialQuantity:   cmd.InitialQuantity,
		MinimumStockLevel: cmd.MinimumStockLevel,
		Timestamp:         cmd.Timestamp,
	}
	events := append([]Event{created}, monitor.Apply(created, inv)...)
	return inv, events, nil
}

// Reconstruct rebuilds an Inventory from storage. The stored quantities are
// checked against the invariants like any other state.
func Reconstruct(productID string, total, reserved, minimum int64, createdAt, updatedAt time.Time, version int64) (Inventory, error) {
	if err := ValidateProductID(productID); err != nil {
		return Inventory{}, err
	}
	if err := CheckQuantities(total, reserved, minimum); err != nil {
		return Inventory{}, apperrors.NewInternal(fmt.Sprintf("stored inventory for %s is invalid", productID)).WithCause(err)
	}
	return Inventory{
		productID:         productID,
		totalQuantity:     total,
		reservedQuantity:  reserved,
		minimumStockLevel: minimum,
		createdAt:         createdAt,
		updatedAt:         updatedAt,
		version:           version,
	}, nil
}

// Reserve sets aside quantity for an order.
func (i Inventory) Reserve(cmd ReserveInventory) (Inventory, []Event, error) {
	if err := i.checkTarget(cmd.ProductID); err != nil {
		return i, nil, err
	}
	if cmd.OrderID == "" {
		return i, nil, apperrors.NewValidation(ErrInvalidOrderID.Error()).
			WithCode(CodeInvalidOrderID).
			WithCause(ErrInvalidOrderID)
	}
	if cmd.Quantity <= 0 {
		return i, nil, invalidQuantity(
			fmt.Sprintf("reserve quantity must be positive, got %d", cmd.Quantity),
			map[string]interface{}{"quantity": cmd.Quantity},
		)
	}
	if available := i.AvailableQuantity(); cmd.Quantity > available {
		return i, nil, apperrors.NewConflict(
			fmt.Sprintf("insufficient stock for %s: requested %d, available %d", i.productID, cmd.Quantity, available)).
			WithCode(CodeInsufficientStock).
			WithDetails(map[string]interface{}{
				"product_id": i.productID,
				"requested":  cmd.Quantity,
				"available":  available,
			}).
			WithCause(ErrInsufficientStock)
	}

	next := i.mutated(cmd.Timestamp)
	next.reservedQuantity += cmd.Quantity
	if err := checkState(next); err != nil {
		return i, nil, err
	}

	reserved := InventoryReserved{
		ProductID: i.productID,
		Quantity:  cmd.Quantity,
		OrderID:   cmd.OrderID,
		Timestamp: cmd.Timestamp,
	}
	return next, append([]Event{reserved}, monitor.Apply(reserved, next)...), nil
}

// Release returns previously reserved quantity to available stock. Releasing
// more than is reserved is rejected rather than clamped.
func (i Inventory) Release(cmd ReleaseInventory) (Inventory, []Event, error) {
	if err := i.checkTarget(cmd.ProductID); err != nil {
		return i, nil, err
	}
	if cmd.Quantity <= 0 {
		return i, nil, invalidQuantity(
			fmt.Sprintf("release quantity must be positive, got %d", cmd.Quantity),
			map[string]interface{}{"quantity": cmd.Quantity},
		)
	}
	if cmd.Quantity > i.reservedQuantity {
		return i, nil, apperrors.NewConflict(
			fmt.Sprintf("cannot release %d from %s: only %d reserved", cmd.Quantity, i.productID, i.reservedQuantity)).
			WithCode(CodeReleaseExceedsReserved).
			WithDetails(map[string]interface{}{
				"product_id": i.productID,
				"requested":  cmd.Quantity,
				"reserved":   i.reservedQuantity,
			}).
			WithCause(ErrInvalidQuantity)
	}

	next := i.mutated(cmd.Timestamp)
	next.reservedQuantity -= cmd.Quantity
	if err := checkState(next); err != nil {
		return i, nil, err
	}

	return next, []Event{InventoryReleased{
		ProductID: i.productID,
		Quantity:  cmd.Quantity,
		OrderID:   cmd.OrderID,
		Reason:    cmd.Reason,
		Timestamp: cmd.Timestamp,
	}}, nil
}

// Adjust replaces the total quantity, e.g. after a stock count. The new total
// may not drop below what is already reserved.
func (i Inventory) Adjust(cmd AdjustInventory) (Inventory, []Event, error) {
	if err := i.checkTarget(cmd.ProductID); err != nil {
		return i, nil, err
	}
	if cmd.NewQuantity < 0 {
		return i, nil, invalidQuantity(
			fmt.Sprintf("new quantity cannot be negative, got %d", cmd.NewQuantity),
			map[string]interface{}{"new_quantity": cmd.NewQuantity},
		)
	}
	if cmd.NewQuantity < i.reservedQuantity {
		return i, nil, invalidQuantity(
			fmt.Sprintf("new quantity %d is below reserved quantity %d", cmd.NewQuantity, i.reservedQuantity),
			map[string]interface{}{
				"new_quantity":      cmd.NewQuantity,
				"reserved_quantity": i.reservedQuantity,
			},
		)
	}

	next := i.mutated(cmd.Timestamp)
	next.totalQuantity = cmd.NewQuantity
	if err := checkState(next); err != nil {
		return i, nil, err
	}

	adjusted := InventoryAdjusted{
		ProductID:   i.productID,
		OldQuantity: i.totalQuantity,
		NewQuantity: cmd.NewQuantity,
		Reason:      cmd.Reason,
		AdjustedBy:  cmd.AdjustedBy,
		Timestamp:   cmd.Timestamp,
	}
	return next, append([]Event{adjusted}, monitor.Apply(adjusted, next)...), nil
}

func (i Inventory) checkTarget(productID string) error {
	if err := ValidateProductID(productID); err != nil {
		return err
	}
	if productID != i.productID {
		return apperrors.NewValidation(
			fmt.Sprintf("command for %s applied to inventory %s", productID, i.productID)).
			WithCode(CodeInvalidProductID).
			WithCause(ErrInvalidProductID)
	}
	return nil
}

func (i Inventory) mutated(at time.Time) Inventory {
	next := i
	next.updatedAt = at
	next.version++
	return next
}

func (i Inventory) ProductID() string        { return i.productID }
func (i Inventory) TotalQuantity() int64     { return i.totalQuantity }
func (i Inventory) ReservedQuantity() int64  { return i.reservedQuantity }
func (i Inventory) MinimumStockLevel() int64 { return i.minimumStockLevel }
func (i Inventory) AvailableQuantity() int64 { return i.totalQuantity - i.reservedQuantity }
func (i Inventory) CreatedAt() time.Time     { return i.createdAt }
func (i Inventory) UpdatedAt() time.Time     { return i.updatedAt }
func (i Inventory) Version() int64           { return i.version }
func (i Inventory) IsZero() bool             { return i.productID == "" }
func (i Inventory) IsBelowMinimum() bool     { return IsBelowMinimum(i.AvailableQuantity(), i.minimumStockLevel) }
func (i Inventory) Shortfall() int64 {
	if s := i.minimumStockLevel - i.AvailableQuantity(); s > 0 {
		return s
	}
	return 0
}
