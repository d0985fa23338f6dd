package sales

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Hammad-xureshi/sales-analytics/internal/domain"
	"github.com/Hammad-xureshi/sales-analytics/internal/inventory"
	"github.com/Hammad-xureshi/sales-analytics/internal/store"
	"github.com/Hammad-xureshi/sales-analytics/internal/xid"
)

const maxCommitAttempts = 3

// Transactor opens the store's all-or-nothing unit of work.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error
}

// Coordinator persists a priced order as one sale: order number, header,
// lines and stock decrements commit together or not at all.
type Coordinator struct {
	repo Transactor
	tax  TaxPolicy
	loc  *time.Location
	now  func() time.Time
}

func NewCoordinator(repo Transactor, tax TaxPolicy, loc *time.Location) *Coordinator {
	if loc == nil {
		loc = time.UTC
	}
	return &Coordinator{
		repo: repo,
		tax:  tax,
		loc:  loc,
		now:  time.Now,
	}
}

// FormatOrderNumber renders the human-readable order number for the seq-th
// sale of the calendar day of t.
func FormatOrderNumber(t time.Time, seq int) string {
	return fmt.Sprintf("S%s%05d", t.Format("20060102"), seq)
}

// Commit writes order in a single unit of work. Stock and website state are
// re-checked against the store's locked view first, so a race since assembly
// aborts cleanly. A compare-and-swap miss reported by the store re-runs the
// whole unit of work, validation included.
func (c *Coordinator) Commit(ctx context.Context, order domain.PricedOrder) (*domain.Sale, error) {
	entry := log.WithFields(log.Fields{"website_id": order.WebsiteID, "lines": len(order.Lines)})

	if err := verifyTotals(order, c.tax); err != nil {
		entry.WithError(err).Error("[sales] refusing to commit inconsistent order")
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		sale, err := c.commitOnce(ctx, order)
		if err == nil {
			entry.WithFields(log.Fields{
				"sale_id":      sale.ID,
				"order_number": sale.OrderNumber,
				"total_cents":  sale.TotalCents,
			}).Info("[sales] sale committed")
			return sale, nil
		}
		if !errors.Is(err, store.ErrStockConflict) {
			return nil, c.classify(entry, err)
		}
		lastErr = err
		entry.WithField("attempt", attempt).Warn("[sales] stock changed during commit, re-validating")
	}

	err := fmt.Errorf("%w: stock decrement kept conflicting after %d attempts: %v", ErrInvariantViolation, maxCommitAttempts, lastErr)
	entry.WithError(err).Error("[sales] commit aborted")
	return nil, err
}

func (c *Coordinator) classify(entry *log.Entry, err error) error {
	switch {
	case IsInputError(err), IsStockConflict(err):
		entry.WithError(err).Info("[sales] commit rejected at re-validation")
		return err
	case errors.Is(err, ErrInvariantViolation):
		entry.WithError(err).Error("[sales] invariant violated, commit aborted")
		return err
	default:
		entry.WithError(err).Error("[sales] commit failed")
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
}

// unitOfWork is everything one commit writes.
type unitOfWork struct {
	sale       *domain.Sale
	lines      []domain.SaleLine
	decrements []inventory.Reservation
}

func (c *Coordinator) commitOnce(ctx context.Context, order domain.PricedOrder) (*domain.Sale, error) {
	var committed *domain.Sale

	err := c.repo.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		website, err := activeWebsite(ctx, tx, order.WebsiteID)
		if err != nil {
			return err
		}

		requests, err := mergeLines(order.Requests())
		if err != nil {
			return err
		}
		reservations, err := inventory.Check(ctx, tx, requests)
		if err != nil {
			return err
		}

		now := c.now().In(c.loc)
		seq, err := tx.NextOrderSequence(ctx, time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc))
		if err != nil {
			return err
		}

		work := c.plan(order, website, reservations, FormatOrderNumber(now, seq), now.UTC())
		if err := work.apply(ctx, tx); err != nil {
			return err
		}
		committed = work.sale
		return nil
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

func (c *Coordinator) plan(order domain.PricedOrder, website *domain.Website, reservations []inventory.Reservation, orderNumber string, createdAt time.Time) unitOfWork {
	sale := &domain.Sale{
		ID:            xid.New(""),
		OrderNumber:   orderNumber,
		WebsiteID:     website.ID,
		WebsiteName:   website.Name,
		ShopID:        order.ShopID,
		CustomerID:    order.CustomerID,
		UserID:        order.UserID,
		SubtotalCents: order.SubtotalCents,
		TaxCents:      order.TaxCents,
		TotalCents:    order.TotalCents,
		PaymentMethod: order.PaymentMethod,
		PaymentStatus: domain.StatusCompleted,
		OrderStatus:   domain.StatusCompleted,
		Notes:         order.Notes,
		CreatedAt:     createdAt,
	}
	if sale.PaymentMethod == "" {
		sale.PaymentMethod = domain.PaymentCash
	}

	lines := make([]domain.SaleLine, 0, len(order.Lines))
	for _, line := range order.Lines {
		lines = append(lines, domain.SaleLine{
			SaleID:         sale.ID,
			ProductID:      line.ProductID,
			ProductName:    line.ProductName,
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
			LineTotalCents: line.LineTotalCents,
		})
	}

	return unitOfWork{sale: sale, lines: lines, decrements: reservations}
}

func (w unitOfWork) apply(ctx context.Context, tx store.Tx) error {
	if err := tx.InsertSale(ctx, w.sale); err != nil {
		return err
	}
	for i := range w.lines {
		if err := tx.InsertSaleLine(ctx, &w.lines[i]); err != nil {
			return err
		}
	}
	for _, r := range w.decrements {
		if err := inventory.Decrement(ctx, tx, r); err != nil {
			return err
		}
	}
	w.sale.Lines = w.lines
	return nil
}
