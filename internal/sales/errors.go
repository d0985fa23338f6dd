package sales

import (
	"errors"

	"github.com/Hammad-xureshi/sales-analytics/internal/inventory"
)

var (
	ErrEmptyOrder           = errors.New("order has no lines")
	ErrInvalidQuantity      = errors.New("quantity must be positive")
	ErrWebsiteUnavailable   = errors.New("website not found or inactive")
	ErrInvalidPaymentMethod = errors.New("unsupported payment method")
	ErrPersistence          = errors.New("sale could not be persisted")
	ErrForbidden            = errors.New("insufficient role")
	ErrInvalidStatus        = errors.New("unsupported sale status")
	ErrInvalidDateRange     = errors.New("invalid date range")

	ErrProductUnavailable = inventory.ErrProductUnavailable
	ErrInsufficientStock  = inventory.ErrInsufficientStock
	ErrInvariantViolation = inventory.ErrInvariantViolation
)

// IsInputError reports whether err is a client-fixable validation failure.
func IsInputError(err error) bool {
	return errors.Is(err, ErrEmptyOrder) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrWebsiteUnavailable) ||
		errors.Is(err, ErrInvalidPaymentMethod) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidDateRange) ||
		errors.Is(err, ErrProductUnavailable)
}

// IsStockConflict reports whether the caller may resubmit with adjusted quantities.
func IsStockConflict(err error) bool {
	return errors.Is(err, ErrInsufficientStock)
}
