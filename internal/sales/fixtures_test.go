package sales

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Hammad-xureshi/sales-analytics/internal/domain"
	"github.com/Hammad-xureshi/sales-analytics/internal/store"
	"github.com/Hammad-xureshi/sales-analytics/internal/store/memory"
)

const (
	widgetID int64 = 1
	gadgetID int64 = 2

	activeSite   int64 = 1
	inactiveSite int64 = 2
)

var errInjected = errors.New("injected persistence failure")

func seedStore() *memory.Store {
	s := memory.New()
	s.PutWebsite(domain.Website{ID: activeSite, Name: "Main Storefront", Active: true})
	s.PutWebsite(domain.Website{ID: inactiveSite, Name: "Closed Outlet", Active: false})
	s.PutProduct(domain.Product{ID: widgetID, SKU: "W-1", Name: "Widget", PriceCents: 1000, StockQuantity: 5, Active: true})
	s.PutProduct(domain.Product{ID: gadgetID, SKU: "G-1", Name: "Gadget", PriceCents: 500, StockQuantity: 1, Active: true})
	return s
}

// recordingPublisher remembers published sales and whether each one was
// already readable from the store when it was published.
type recordingPublisher struct {
	repo store.Repository

	mu        sync.Mutex
	sales     []*domain.Sale
	invisible []string
}

func (p *recordingPublisher) Publish(sale *domain.Sale) {
	_, err := p.repo.GetSale(context.Background(), sale.ID)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sales = append(p.sales, sale)
	if err != nil {
		p.invisible = append(p.invisible, sale.ID)
	}
}

func (p *recordingPublisher) published() []*domain.Sale {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*domain.Sale(nil), p.sales...)
}

func newService(t *testing.T, repo store.Repository) (*Service, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{repo: repo}
	return NewService(repo, DefaultTaxPolicy(), nil, pub), pub
}

func stockOf(t *testing.T, s store.Repository, id int64) int {
	t.Helper()
	products, err := s.GetProducts(context.Background(), []int64{id})
	if err != nil {
		t.Fatalf("get products: %v", err)
	}
	return products[id].StockQuantity
}

func salesIn(t *testing.T, s store.Repository) []domain.SaleSummary {
	t.Helper()
	list, err := s.ListSales(context.Background(), domain.SaleFilter{Limit: 100})
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	return list
}

func asManager(ctx context.Context) context.Context {
	return WithActor(ctx, domain.Actor{Username: "manager", Role: domain.RoleManager})
}

// faultyStore wraps the memory store and lets a test replace individual
// unit-of-work steps.
type faultyStore struct {
	*memory.Store
	wrap func(store.Tx) store.Tx
}

func (f *faultyStore) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return f.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, f.wrap(tx))
	})
}

type lineFailingTx struct{ store.Tx }

func (lineFailingTx) InsertSaleLine(context.Context, *domain.SaleLine) error {
	return errInjected
}

type decrementFailingTx struct{ store.Tx }

func (decrementFailingTx) DecrementStock(context.Context, int64, int) error {
	return errInjected
}

// conflictingTx reports a compare-and-swap miss on the first n decrements.
type conflictingTx struct {
	store.Tx
	remaining *int32
}

func (c conflictingTx) DecrementStock(ctx context.Context, productID int64, qty int) error {
	if atomic.AddInt32(c.remaining, -1) >= 0 {
		return store.ErrStockConflict
	}
	return c.Tx.DecrementStock(ctx, productID, qty)
}

// cancellingTx cancels the unit of work's context mid-way while reporting
// success for the step itself.
type cancellingTx struct {
	store.Tx
	cancel context.CancelFunc
}

func (c cancellingTx) InsertSaleLine(ctx context.Context, line *domain.SaleLine) error {
	c.cancel()
	return c.Tx.InsertSaleLine(ctx, line)
}

// countingStore counts product reads that bypass the unit of work.
type countingStore struct {
	*memory.Store
	productReads int32
}

func (c *countingStore) GetProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	atomic.AddInt32(&c.productReads, 1)
	return c.Store.GetProducts(ctx, ids)
}
