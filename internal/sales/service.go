package sales

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Hammad-xureshi/sales-analytics/internal/domain"
	"github.com/Hammad-xureshi/sales-analytics/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Publisher receives every committed sale exactly once. Implementations must
// not block the caller.
type Publisher interface {
	Publish(sale *domain.Sale)
}

type Service struct {
	repo        store.Repository
	assembler   *Assembler
	coordinator *Coordinator
	publisher   Publisher
	loc         *time.Location
}

func NewService(repo store.Repository, tax TaxPolicy, loc *time.Location, publisher Publisher) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		repo:        repo,
		assembler:   NewAssembler(repo, tax),
		coordinator: NewCoordinator(repo, tax, loc),
		publisher:   publisher,
		loc:         loc,
	}
}

// CreateSale validates and prices req, commits it, and hands the committed
// sale to the publisher. A publisher is never called for a failed commit.
func (s *Service) CreateSale(ctx context.Context, req domain.CreateSaleRequest) (*domain.Sale, error) {
	method, err := normalizePaymentMethod(req.PaymentMethod)
	if err != nil {
		return nil, err
	}

	order, err := s.assembler.Assemble(ctx, req.WebsiteID, req.Items)
	if err != nil {
		return nil, err
	}
	order.ShopID = req.ShopID
	order.CustomerID = req.CustomerID
	order.PaymentMethod = method
	order.Notes = strings.TrimSpace(req.Notes)
	order.UserID = "system"
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		order.UserID = actor.Username
	}

	sale, err := s.coordinator.Commit(ctx, order)
	if err != nil {
		return nil, err
	}

	if s.publisher != nil {
		s.publisher.Publish(sale)
	}
	return sale, nil
}

func normalizePaymentMethod(method string) (string, error) {
	method = strings.ToLower(strings.TrimSpace(method))
	switch method {
	case "":
		return domain.PaymentCash, nil
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentBankTransfer, domain.PaymentOnline:
		return method, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, method)
	}
}

func (s *Service) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.repo.GetSale(ctx, strings.TrimSpace(id))
}

func (s *Service) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.SaleSummary, error) {
	if filter.Limit < 1 {
		filter.Limit = 20
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}
	if filter.PaymentMethod != "" {
		method, err := normalizePaymentMethod(filter.PaymentMethod)
		if err != nil {
			return nil, err
		}
		filter.PaymentMethod = method
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return nil, fmt.Errorf("%w: start must be before end", ErrInvalidDateRange)
	}
	return s.repo.ListSales(ctx, filter)
}

// RecentSales returns the newest sales across all websites.
func (s *Service) RecentSales(ctx context.Context) ([]domain.SaleSummary, error) {
	return s.repo.ListSales(ctx, domain.SaleFilter{Limit: 100})
}

// ParseDateRange turns start_date and end_date query values into a half-open
// [from, to) window. Values are RFC 3339 timestamps or YYYY-MM-DD dates in the
// business time zone; a date-only end includes that whole day. Empty values
// leave the bound open.
func (s *Service) ParseDateRange(start, end string) (from, to time.Time, err error) {
	if from, _, err = s.parseDateBound(start); err != nil {
		return time.Time{}, time.Time{}, err
	}
	var dateOnly bool
	if to, dateOnly, err = s.parseDateBound(end); err != nil {
		return time.Time{}, time.Time{}, err
	}
	if dateOnly {
		to = to.AddDate(0, 0, 1)
	}
	return from, to, nil
}

func (s *Service) parseDateBound(value string) (time.Time, bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, value, s.loc); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %q is neither YYYY-MM-DD nor RFC 3339", ErrInvalidDateRange, value)
	}
	return t, false, nil
}

func (s *Service) SaleItems(ctx context.Context, id string) ([]domain.SaleLine, error) {
	return s.repo.ListSaleLines(ctx, strings.TrimSpace(id))
}

var (
	orderStatuses = map[string]bool{
		domain.StatusPending:    true,
		domain.StatusProcessing: true,
		domain.StatusCompleted:  true,
		domain.StatusCancelled:  true,
		domain.StatusRefunded:   true,
	}
	paymentStatuses = map[string]bool{
		domain.StatusPending:   true,
		domain.StatusCompleted: true,
		domain.StatusFailed:    true,
		domain.StatusRefunded:  true,
	}
)

// UpdateSaleStatus changes the order and/or payment status of a committed
// sale. Totals, lines and stock are never touched.
func (s *Service) UpdateSaleStatus(ctx context.Context, id string, update domain.SaleStatusUpdate) (*domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || (actor.Role != domain.RoleAdmin && actor.Role != domain.RoleManager) {
		return nil, ErrForbidden
	}
	if update.OrderStatus == nil && update.PaymentStatus == nil {
		return nil, fmt.Errorf("%w: order_status or payment_status is required", ErrInvalidStatus)
	}
	var err error
	if update.OrderStatus, err = normalizeStatus(update.OrderStatus, orderStatuses, "order"); err != nil {
		return nil, err
	}
	if update.PaymentStatus, err = normalizeStatus(update.PaymentStatus, paymentStatuses, "payment"); err != nil {
		return nil, err
	}

	sale, err := s.repo.UpdateSaleStatus(ctx, strings.TrimSpace(id), update, time.Now())
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"sale_id":        sale.ID,
		"order_number":   sale.OrderNumber,
		"order_status":   sale.OrderStatus,
		"payment_status": sale.PaymentStatus,
		"actor":          actor.Username,
	}).Info("[audit] sale status updated")
	return sale, nil
}

func normalizeStatus(value *string, allowed map[string]bool, kind string) (*string, error) {
	if value == nil {
		return nil, nil
	}
	status := strings.ToLower(strings.TrimSpace(*value))
	if !allowed[status] {
		return nil, fmt.Errorf("%w: %s status %q", ErrInvalidStatus, kind, *value)
	}
	return &status, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	products, err := s.repo.GetProducts(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	product, ok := products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

// LowStock lists active products below their reorder level, largest
// shortage first.
func (s *Service) LowStock(ctx context.Context) ([]domain.LowStockProduct, error) {
	return s.repo.ListLowStock(ctx)
}

// AdjustStock applies a manual stock correction. It is the only stock
// mutation outside a sale commit and requires a manager or admin.
func (s *Service) AdjustStock(ctx context.Context, productID int64, req domain.StockAdjustmentRequest) (*domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || (actor.Role != domain.RoleAdmin && actor.Role != domain.RoleManager) {
		return nil, ErrForbidden
	}
	if req.Delta == 0 {
		return nil, fmt.Errorf("%w: stock delta must not be zero", ErrInvalidQuantity)
	}

	product, err := s.repo.AdjustStock(ctx, productID, req.Delta)
	if err != nil {
		if errors.Is(err, store.ErrNegativeStock) {
			return nil, fmt.Errorf("%w: adjustment of %d would make stock negative", ErrInsufficientStock, req.Delta)
		}
		return nil, err
	}

	log.WithFields(log.Fields{
		"product_id": productID,
		"delta":      req.Delta,
		"stock":      product.StockQuantity,
		"actor":      actor.Username,
		"reason":     strings.TrimSpace(req.Reason),
	}).Info("[audit] stock adjusted")
	return product, nil
}
