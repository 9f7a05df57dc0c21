package domain

import (
	"errors"

	apperrors "github.com/amiosamu/inventory-ledger/shared/platform/errors"
)

// Sentinels for errors.Is checks. Every error returned by this package is an
// *apperrors.AppError wrapping one of these.
var (
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrAlreadyExists        = errors.New("inventory already exists")
	ErrNotFound             = errors.New("inventory not found")
	ErrInvalidProductID     = errors.New("product id cannot be empty")
	ErrInvalidOrderID       = errors.New("order id cannot be empty")
	ErrNegativeQuantity     = errors.New("negative quantity")
	ErrReservedExceedsTotal = errors.New("reserved quantity exceeds total quantity")
	ErrNegativeMinimumLevel = errors.New("negative minimum stock level")
)

// Stable codes carried on AppError.Code.
const (
	CodeInvalidQuantity        = "InvalidQuantity"
	CodeInsufficientStock      = "InsufficientStock"
	CodeReleaseExceedsReserved = "ReleaseExceedsReserved"
	CodeAlreadyExists          = "AlreadyExists"
	CodeNotFound               = "NotFound"
	CodeInvalidProductID       = "InvalidProductID"
	CodeInvalidOrderID         = "InvalidOrderID"
	CodeNegativeQuantity       = "NegativeQuantity"
	CodeReservedExceedsTotal   = "ReservedExceedsTotal"
	CodeNegativeMinimumLevel   = "NegativeMinimumLevel"
)

func invalidQuantity(message string, details map[string]interface{}) error {
	return apperrors.NewValidation(message).
		WithCode(CodeInvalidQuantity).
		WithDetails(details).
		WithCause(ErrInvalidQuantity)
}

// NewNotFoundError is returned by repositories when a product has no record.
func NewNotFoundError(productID string) error {
	return apperrors.NewNotFound("inventory not found for product " + productID).
		WithCode(CodeNotFound).
		WithDetails(map[string]interface{}{"product_id": productID}).
		WithCause(ErrNotFound)
}

// NewAlreadyExistsError is returned when create targets an existing product.
func NewAlreadyExistsError(productID string) error {
	return apperrors.NewConflict("inventory already exists for product " + productID).
		WithCode(CodeAlreadyExists).
		WithDetails(map[string]interface{}{"product_id": productID}).
		WithCause(ErrAlreadyExists)
}

// ValidateProductID rejects empty product ids.
func ValidateProductID(productID string) error {
	if productID == "" {
		return apperrors.NewValidation(ErrInvalidProductID.Error()).
			WithCode(CodeInvalidProductID).
			WithCause(ErrInvalidProductID)
	}
	return nil
}
