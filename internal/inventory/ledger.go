// Package inventory validates requested quantities against live product
// stock and applies decrements inside a sale's unit of work.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Hammad-xureshi/sales-analytics/internal/domain"
)

var (
	ErrProductUnavailable = errors.New("product not found or inactive")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvariantViolation = errors.New("stock invariant violated")
)

// StockError names the product a check or decrement failed on.
type StockError struct {
	ProductID   int64
	ProductName string
	Requested   int
	Available   int
	Err         error
}

func (e *StockError) Error() string {
	switch {
	case errors.Is(e.Err, ErrInsufficientStock):
		return fmt.Sprintf("insufficient stock for product %q (id %d): requested %d, available %d",
			e.ProductName, e.ProductID, e.Requested, e.Available)
	case errors.Is(e.Err, ErrProductUnavailable):
		return fmt.Sprintf("product %d not found or inactive", e.ProductID)
	default:
		return fmt.Sprintf("product %d: %v", e.ProductID, e.Err)
	}
}

func (e *StockError) Unwrap() error {
	return e.Err
}

// ProductSource is either a plain reader or the locked view of a unit of work.
type ProductSource interface {
	GetProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error)
}

type StockWriter interface {
	DecrementStock(ctx context.Context, productID int64, qty int) error
}

// Reservation is a successful check: the quantity may be taken at the
// captured price.
type Reservation struct {
	ProductID      int64
	ProductName    string
	Quantity       int
	UnitPriceCents int64
}

// Check validates every line against src and returns one reservation per
// line, in line order. The first failing line aborts the whole check.
func Check(ctx context.Context, src ProductSource, lines []domain.OrderLineRequest) ([]Reservation, error) {
	products, err := src.GetProducts(ctx, ProductIDs(lines))
	if err != nil {
		return nil, err
	}

	reservations := make([]Reservation, 0, len(lines))
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok || !product.Active {
			return nil, &StockError{ProductID: line.ProductID, Requested: line.Quantity, Err: ErrProductUnavailable}
		}
		if product.StockQuantity < line.Quantity {
			return nil, &StockError{
				ProductID:   product.ID,
				ProductName: product.Name,
				Requested:   line.Quantity,
				Available:   product.StockQuantity,
				Err:         ErrInsufficientStock,
			}
		}
		reservations = append(reservations, Reservation{
			ProductID:      product.ID,
			ProductName:    product.Name,
			Quantity:       line.Quantity,
			UnitPriceCents: product.PriceCents,
		})
	}
	return reservations, nil
}

// Decrement takes an already validated quantity out of stock. Writers
// report a decrement that would go negative as store.ErrStockConflict,
// which is returned unchanged so the caller can decide between retrying
// validation and treating it as an invariant violation.
func Decrement(ctx context.Context, w StockWriter, r Reservation) error {
	if r.Quantity < 1 {
		return &StockError{ProductID: r.ProductID, ProductName: r.ProductName, Requested: r.Quantity, Err: ErrInvariantViolation}
	}
	return w.DecrementStock(ctx, r.ProductID, r.Quantity)
}

// ProductIDs returns the distinct product ids of lines in ascending order,
// the order in which stores lock rows.
func ProductIDs(lines []domain.OrderLineRequest) []int64 {
	set := make(map[int64]struct{}, len(lines))
	for _, line := range lines {
		set[line.ProductID] = struct{}{}
	}
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
