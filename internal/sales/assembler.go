package sales

import (
	"context"
	"errors"
	"fmt"

	"github.com/Hammad-xureshi/sales-analytics/internal/domain"
	"github.com/Hammad-xureshi/sales-analytics/internal/inventory"
	"github.com/Hammad-xureshi/sales-analytics/internal/store"
)

type websiteReader interface {
	GetWebsite(ctx context.Context, id int64) (*domain.Website, error)
}

// CatalogReader is the read-only view the assembler validates against.
type CatalogReader interface {
	websiteReader
	GetProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error)
}

// MaxLineQuantity bounds the quantity of one product in one order, after
// repeated lines are merged.
const MaxLineQuantity = 1_000_000

// Assembler turns a raw order request into a priced order. It never mutates
// stock.
type Assembler struct {
	catalog CatalogReader
	tax     TaxPolicy
}

func NewAssembler(catalog CatalogReader, tax TaxPolicy) *Assembler {
	return &Assembler{catalog: catalog, tax: tax}
}

func (a *Assembler) Assemble(ctx context.Context, websiteID int64, lines []domain.OrderLineRequest) (domain.PricedOrder, error) {
	if len(lines) == 0 {
		return domain.PricedOrder{}, ErrEmptyOrder
	}

	website, err := activeWebsite(ctx, a.catalog, websiteID)
	if err != nil {
		return domain.PricedOrder{}, err
	}

	merged, err := mergeLines(lines)
	if err != nil {
		return domain.PricedOrder{}, err
	}

	reservations, err := inventory.Check(ctx, a.catalog, merged)
	if err != nil {
		return domain.PricedOrder{}, err
	}

	order := price(reservations, a.tax)
	order.WebsiteID = website.ID
	order.WebsiteName = website.Name
	return order, nil
}

func activeWebsite(ctx context.Context, catalog websiteReader, websiteID int64) (*domain.Website, error) {
	if websiteID < 1 {
		return nil, ErrWebsiteUnavailable
	}
	website, err := catalog.GetWebsite(ctx, websiteID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrWebsiteUnavailable
		}
		return nil, err
	}
	if !website.Active {
		return nil, ErrWebsiteUnavailable
	}
	return website, nil
}

// mergeLines sums quantities of repeated products, keeping first-seen order,
// so one order cannot take the same stock twice. Each quantity is checked
// before it is added, so the sum never exceeds MaxLineQuantity or wraps.
func mergeLines(lines []domain.OrderLineRequest) ([]domain.OrderLineRequest, error) {
	index := make(map[int64]int, len(lines))
	merged := make([]domain.OrderLineRequest, 0, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %d requested %d", ErrInvalidQuantity, line.ProductID, line.Quantity)
		}
		if line.Quantity > MaxLineQuantity {
			return nil, fmt.Errorf("%w: product %d requested %d, limit is %d", ErrInvalidQuantity, line.ProductID, line.Quantity, MaxLineQuantity)
		}
		i, ok := index[line.ProductID]
		if !ok {
			index[line.ProductID] = len(merged)
			merged = append(merged, line)
			continue
		}
		if merged[i].Quantity > MaxLineQuantity-line.Quantity {
			return nil, fmt.Errorf("%w: product %d totals more than %d across lines", ErrInvalidQuantity, line.ProductID, MaxLineQuantity)
		}
		merged[i].Quantity += line.Quantity
	}
	return merged, nil
}

func price(reservations []inventory.Reservation, tax TaxPolicy) domain.PricedOrder {
	order := domain.PricedOrder{Lines: make([]domain.PricedLine, 0, len(reservations))}
	for _, r := range reservations {
		lineTotal := r.UnitPriceCents * int64(r.Quantity)
		order.Lines = append(order.Lines, domain.PricedLine{
			ProductID:      r.ProductID,
			ProductName:    r.ProductName,
			Quantity:       r.Quantity,
			UnitPriceCents: r.UnitPriceCents,
			LineTotalCents: lineTotal,
		})
		order.SubtotalCents += lineTotal
	}
	order.TaxCents = tax.Tax(order.SubtotalCents)
	order.TotalCents = order.SubtotalCents + order.TaxCents
	return order
}

// verifyTotals checks the arithmetic a priced order must satisfy before it
// may be persisted.
func verifyTotals(order domain.PricedOrder, tax TaxPolicy) error {
	if len(order.Lines) == 0 {
		return fmt.Errorf("%w: order has no lines", ErrInvariantViolation)
	}
	var subtotal int64
	for _, line := range order.Lines {
		if line.Quantity < 1 || line.UnitPriceCents < 0 {
			return fmt.Errorf("%w: product %d has quantity %d at price %d", ErrInvariantViolation, line.ProductID, line.Quantity, line.UnitPriceCents)
		}
		if line.LineTotalCents != line.UnitPriceCents*int64(line.Quantity) {
			return fmt.Errorf("%w: product %d line total %d does not match %d x %d",
				ErrInvariantViolation, line.ProductID, line.LineTotalCents, line.Quantity, line.UnitPriceCents)
		}
		subtotal += line.LineTotalCents
	}
	if subtotal != order.SubtotalCents {
		return fmt.Errorf("%w: subtotal %d does not match line sum %d", ErrInvariantViolation, order.SubtotalCents, subtotal)
	}
	if want := tax.Tax(subtotal); want != order.TaxCents {
		return fmt.Errorf("%w: tax %d does not match policy %d", ErrInvariantViolation, order.TaxCents, want)
	}
	if order.TotalCents != order.SubtotalCents+order.TaxCents {
		return fmt.Errorf("%w: total %d is not subtotal %d + tax %d", ErrInvariantViolation, order.TotalCents, order.SubtotalCents, order.TaxCents)
	}
	return nil
}
