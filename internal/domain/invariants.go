package domain

import (
	"fmt"

	apperrors "github.com/amiosamu/inventory-ledger/shared/platform/errors"
)

// ViolationKind names the quantity rule that failed.
type ViolationKind string

const (
	NegativeQuantity     ViolationKind = CodeNegativeQuantity
	ReservedExceedsTotal ViolationKind = CodeReservedExceedsTotal
	NegativeMinimumLevel ViolationKind = CodeNegativeMinimumLevel
)

// InvariantViolation describes a broken quantity rule together with the
// quantities that broke it.
type InvariantViolation struct {
	Kind     ViolationKind
	Field    string
	Total    int64
	Reserved int64
	Minimum  int64
}

func (v *InvariantViolation) Error() string {
	switch v.Kind {
	case NegativeQuantity:
		if v.Field == "reserved_quantity" {
			return "Reserved quantity cannot be negative"
		}
		return "Total quantity cannot be negative"
	case ReservedExceedsTotal:
		return fmt.Sprintf("Reserved quantity (%d) cannot exceed total quantity (%d)", v.Reserved, v.Total)
	case NegativeMinimumLevel:
		return "Minimum stock level cannot be negative"
	default:
		return "quantity invariant violated"
	}
}

// Is makes every violation match ErrInvalidQuantity as well as the sentinel
// of its own kind.
func (v *InvariantViolation) Is(target error) bool {
	switch target {
	case ErrInvalidQuantity:
		return true
	case ErrNegativeQuantity:
		return v.Kind == NegativeQuantity
	case ErrReservedExceedsTotal:
		return v.Kind == ReservedExceedsTotal
	case ErrNegativeMinimumLevel:
		return v.Kind == NegativeMinimumLevel
	}
	return false
}

// CheckQuantities validates a candidate state. Rules are checked in a fixed
// order and the first failure is returned as a validation AppError wrapping
// an *InvariantViolation.
func CheckQuantities(total, reserved, minimum int64) error {
	var v *InvariantViolation
	switch {
	case total < 0:
		v = &InvariantViolation{Kind: NegativeQuantity, Field: "total_quantity"}
	case reserved < 0:
		v = &InvariantViolation{Kind: NegativeQuantity, Field: "reserved_quantity"}
	case reserved > total:
		v = &InvariantViolation{Kind: ReservedExceedsTotal, Field: "reserved_quantity"}
	case minimum < 0:
		v = &InvariantViolation{Kind: NegativeMinimumLevel, Field: "minimum_stock_level"}
	default:
		return nil
	}
	v.Total, v.Reserved, v.Minimum = total, reserved, minimum

	return apperrors.NewValidation(v.Error()).
		WithCode(string(v.Kind)).
		WithDetails(map[string]interface{}{
			"field":               v.Field,
			"total_quantity":      total,
			"reserved_quantity":   reserved,
			"minimum_stock_level": minimum,
		}).
		WithCause(v)
}

// checkState re-verifies a computed state before it leaves the aggregate.
func checkState(i Inventory) error {
	return CheckQuantities(i.totalQuantity, i.reservedQuantity, i.minimumStockLevel)
}
