package sales

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hammad-xureshi/sales-analytics/internal/domain"
	"github.com/Hammad-xureshi/sales-analytics/internal/inventory"
	"github.com/Hammad-xureshi/sales-analytics/internal/store"
	"github.com/Hammad-xureshi/sales-analytics/internal/store/memory"
)

func TestCreateSaleTwoLineOrder(t *testing.T) {
	repo := seedStore()
	svc, pub := newService(t, repo)

	sale, err := svc.CreateSale(asManager(context.Background()), domain.CreateSaleRequest{
		WebsiteID: activeSite,
		Items: []domain.OrderLineRequest{
			{ProductID: widgetID, Quantity: 2},
			{ProductID: gadgetID, Quantity: 1},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(2500), sale.SubtotalCents)
	assert.Equal(t, int64(425), sale.TaxCents)
	assert.Equal(t, int64(2925), sale.TotalCents)
	assert.Equal(t, domain.PaymentCash, sale.PaymentMethod)
	assert.Equal(t, domain.StatusCompleted, sale.PaymentStatus)
	assert.Equal(t, domain.StatusCompleted, sale.OrderStatus)
	assert.Equal(t, "manager", sale.UserID)
	assert.Equal(t, "Main Storefront", sale.WebsiteName)
	require.Len(t, sale.Lines, 2)
	assert.Equal(t, "Widget", sale.Lines[0].ProductName)
	assert.Equal(t, int64(2000), sale.Lines[0].LineTotalCents)
	assert.Equal(t, int64(500), sale.Lines[1].LineTotalCents)
	for _, line := range sale.Lines {
		assert.Positive(t, line.ID)
		assert.Equal(t, sale.ID, line.SaleID)
	}

	assert.Equal(t, 3, stockOf(t, repo, widgetID))
	assert.Equal(t, 0, stockOf(t, repo, gadgetID))

	published := pub.published()
	require.Len(t, published, 1)
	assert.Equal(t, int64(2925), published[0].TotalCents)
	assert.Equal(t, sale.ID, published[0].ID)
}

func TestCreateSaleInsufficientStockLeavesNoTrace(t *testing.T) {
	repo := seedStore()
	svc, pub := newService(t, repo)

	_, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		WebsiteID: activeSite,
		Items:     []domain.OrderLineRequest{{ProductID: widgetID, Quantity: 10}},
	})
	require.Error(t, err)
	assert.True(t, IsStockConflict(err))

	var stockErr *inventory.StockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, widgetID, stockErr.ProductID)
	assert.Equal(t, "Widget", stockErr.ProductName)

	assert.Equal(t, 5, stockOf(t, repo, widgetID))
	assert.Empty(t, salesIn(t, repo))
	assert.Empty(t, pub.published())
}

func TestConcurrentSalesDoNotOversell(t *testing.T) {
	repo := seedStore()
	repo.PutProduct(domain.Product{ID: widgetID, Name: "Widget", PriceCents: 1000, StockQuantity: 10, Active: true})
	svc, pub := newService(t, repo)

	start := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = svc.CreateSale(context.Background(), domain.CreateSaleRequest{
				WebsiteID: activeSite,
				Items:     []domain.OrderLineRequest{{ProductID: widgetID, Quantity: 6}},
			})
		}(i)
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrInsufficientStock)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 4, stockOf(t, repo, widgetID))
	assert.Len(t, salesIn(t, repo), 1)
	assert.Len(t, pub.published(), 1)
}

func TestManyConcurrentSalesNeverExceedStock(t *testing.T) {
	const initial = 15
	repo := seedStore()
	repo.PutProduct(domain.Product{ID: widgetID, Name: "Widget", PriceCents: 1000, StockQuantity: initial, Active: true})
	svc, _ := newService(t, repo)

	var sold int64
	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(qty int) {
			defer wg.Done()
			_, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
				WebsiteID: activeSite,
				Items:     []domain.OrderLineRequest{{ProductID: widgetID, Quantity: qty}},
			})
			if err == nil {
				atomic.AddInt64(&sold, int64(qty))
			}
		}(i%3 + 1)
	}
	wg.Wait()

	assert.LessOrEqual(t, sold, int64(initial))
	assert.Equal(t, initial-int(sold), stockOf(t, repo, widgetID))
}

func TestCreateSaleInactiveWebsiteChecksNoProducts(t *testing.T) {
	repo := &countingStore{Store: seedStore()}
	svc, pub := newService(t, repo)

	_, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		WebsiteID: inactiveSite,
		Items:     []domain.OrderLineRequest{{ProductID: widgetID, Quantity: 1}},
	})
	assert.ErrorIs(t, err, ErrWebsiteUnavailable)
	assert.True(t, IsInputError(err))
	assert.Zero(t, atomic.LoadInt32(&repo.productReads))
	assert.Equal(t, 5, stockOf(t, repo, widgetID))
	assert.Empty(t, pub.published())
}

func TestCreateSaleLineInsertFailureRollsBack(t *testing.T) {
	repo := &faultyStore{Store: seedStore(), wrap: func(tx store.Tx) store.Tx { return lineFailingTx{tx} }}
	svc, pub := newService(t, repo)

	_, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		WebsiteID: activeSite,
		Items: []domain.OrderLineRequest{
			{ProductID: widgetID, Quantity: 2},
			{ProductID: gadgetID, Quantity: 1},
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, errInjected)

	assert.Empty(t, salesIn(t, repo))
	assert.Equal(t, 5, stockOf(t, repo, widgetID))
	assert.Equal(t, 1, stockOf(t, repo, gadgetID))
	assert.Empty(t, pub.published())
}

func TestCreateSaleDecrementFailureRollsBack(t *testing.T) {
	repo := &faultyStore{Store: seedStore(), wrap: func(tx store.Tx) store.Tx { return decrementFailingTx{tx} }}
	svc, pub := newService(t, repo)

	_, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		WebsiteID: activeSite,
		Items:     []domain.OrderLineRequest{{ProductID: widgetID, Quantity: 1}},
	})
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Empty(t, salesIn(t, repo))
	assert.Equal(t, 5, stockOf(t, repo, widgetID))
	assert.Empty(t, pub.published())
}

func TestCreateSaleCancelledMidCommitRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := &faultyStore{Store: seedStore(), wrap: func(tx store.Tx) store.Tx { return cancellingTx{Tx: tx, cancel: cancel} }}
	svc, pub := newService(t, repo)

	_, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		WebsiteID: activeSite,
		Items:     []domain.OrderLineRequest{{ProductID: widgetID, Quantity: 1}},
	})
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, salesIn(t, repo))
	assert.Equal(t, 5, stockOf(t, repo, widgetID))
	assert.Empty(t, pub.published())
}

func TestCreateSaleRetriesStockConflict(t *testing.T) {
	remaining := int32(1)
	repo := &faultyStore{Store: seedStore(), wrap: func(tx store.Tx) store.Tx { return conflictingTx{Tx: tx, remaining: &remaining} }}
	svc, pub := newService(t, repo)

	sale, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		WebsiteID: activeSite,
		Items:     []domain.OrderLineRequest{{ProductID: widgetID, Quantity: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, stockOf(t, repo, widgetID))
	assert.Len(t, salesIn(t, repo), 1)
	require.Len(t, pub.published(), 1)
	assert.Equal(t, sale.ID, pub.published()[0].ID)
}

func TestCreateSalePersistentConflictIsInvariantViolation(t *testing.T) {
	remaining := int32(1000)
	repo := &faultyStore{Store: seedStore(), wrap: func(tx store.Tx) store.Tx { return conflictingTx{Tx: tx, remaining: &remaining} }}
	svc, pub := newService(t, repo)

	_, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		WebsiteID: activeSite,
		Items:     []domain.OrderLineRequest{{ProductID: widgetID, Quantity: 2}},
	})
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.Equal(t, int32(1000-maxCommitAttempts), atomic.LoadInt32(&remaining))
	assert.Empty(t, salesIn(t, repo))
	assert.Equal(t, 5, stockOf(t, repo, widgetID))
	assert.Empty(t, pub.published())
}

func TestCreateSaleTotalsReconcile(t *testing.T) {
	repo := memory.New()
	repo.PutWebsite(domain.Website{ID: activeSite, Name: "Main Storefront", Active: true})
	prices := []int64{333, 1, 999, 12345, 0, 7}
	for i, p := range prices {
		repo.PutProduct(domain.Product{ID: int64(i + 1), Name: fmt.Sprintf("P%d", i+1), PriceCents: p, StockQuantity: 1000, Active: true})
	}
	svc, _ := newService(t, repo)
	tax := DefaultTaxPolicy()

	for n := 1; n <= len(prices); n++ {
		items := make([]domain.OrderLineRequest, 0, n)
		for i := 0; i < n; i++ {
			items = append(items, domain.OrderLineRequest{ProductID: int64(i + 1), Quantity: n + i})
		}
		sale, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{WebsiteID: activeSite, Items: items})
		require.NoError(t, err)

		var sum int64
		for _, line := range sale.Lines {
			assert.Equal(t, line.UnitPriceCents*int64(line.Quantity), line.LineTotalCents)
			sum += line.LineTotalCents
		}
		assert.Equal(t, sum, sale.SubtotalCents)
		assert.Equal(t, tax.Tax(sale.SubtotalCents), sale.TaxCents)
		assert.Equal(t, sale.SubtotalCents+sale.TaxCents, sale.TotalCents)
	}
}

func TestOrderNumbersAreSequentialPerDay(t *testing.T) {
	repo := seedStore()
	repo.PutProduct(domain.Product{ID: widgetID, Name: "Widget", PriceCents: 1000, StockQuantity: 100, Active: true})
	svc, _ := newService(t, repo)

	clock := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	svc.coordinator.now = func() time.Time { return clock }

	create := func() string {
		sale, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
			WebsiteID: activeSite,
			Items:     []domain.OrderLineRequest{{ProductID: widgetID, Quantity: 1}},
		})
		require.NoError(t, err)
		return sale.OrderNumber
	}

	assert.Equal(t, "S2026031400001", create())
	assert.Equal(t, "S2026031400002", create())
	assert.Equal(t, "S2026031400003", create())

	clock = clock.Add(24 * time.Hour)
	assert.Equal(t, "S2026031500001", create())
}

func TestOrderNumbersDistinctUnderConcurrency(t *testing.T) {
	repo := seedStore()
	repo.PutProduct(domain.Product{ID: widgetID, Name: "Widget", PriceCents: 1000, StockQuantity: 1000, Active: true})
	svc, _ := newService(t, repo)

	var mu sync.Mutex
	numbers := make(map[string]struct{})
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sale, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
				WebsiteID: activeSite,
				Items:     []domain.OrderLineRequest{{ProductID: widgetID, Quantity: 1}},
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			numbers[sale.OrderNumber] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, numbers, 40)

	list := salesIn(t, repo)
	for i := 1; i < len(list); i++ {
		// newest first
		assert.Greater(t, list[i-1].OrderNumber, list[i].OrderNumber)
	}
}

func TestOrderNumberUsesBusinessDay(t *testing.T) {
	karachi := time.FixedZone("PKT", 5*60*60)
	repo := seedStore()
	pub := &recordingPublisher{repo: repo}
	svc := NewService(repo, DefaultTaxPolicy(), karachi, pub)
	svc.coordinator.now = func() time.Time { return time.Date(2026, time.March, 14, 20, 30, 0, 0, time.UTC) }

	sale, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		WebsiteID: activeSite,
		Items:     []domain.OrderLineRequest{{ProductID: widgetID, Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, "S2026031500001", sale.OrderNumber)
	assert.Equal(t, time.UTC, sale.CreatedAt.Location())
}

func TestPublishHappensOnlyAfterCommit(t *testing.T) {
	repo := seedStore()
	svc, pub := newService(t, repo)

	for i := 0; i < 3; i++ {
		_, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
			WebsiteID: activeSite,
			Items:     []domain.OrderLineRequest{{ProductID: widgetID, Quantity: 1}},
		})
		require.NoError(t, err)
	}
	_, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		WebsiteID: activeSite,
		Items:     []domain.OrderLineRequest{{ProductID: widgetID, Quantity: 99}},
	})
	require.Error(t, err)

	assert.Len(t, pub.published(), 3)
	assert.Empty(t, pub.invisible)
}

func TestCreateSaleValidation(t *testing.T) {
	cases := []struct {
		name string
		req  domain.CreateSaleRequest
		want error
	}{
		{"empty order", domain.CreateSaleRequest{WebsiteID: activeSite}, ErrEmptyOrder},
		{"missing website", domain.CreateSaleRequest{Items: []domain.OrderLineRequest{{ProductID: widgetID, Quantity: 1}}}, ErrWebsiteUnavailable},
		{"unknown website", domain.CreateSaleRequest{WebsiteID: 99, Items: []domain.OrderLineRequest{{ProductID: widgetID, Quantity: 1}}}, ErrWebsiteUnavailable},
		{"zero quantity", domain.CreateSaleRequest{WebsiteID: activeSite, Items: []domain.OrderLineRequest{{ProductID: widgetID, Quantity: 0}}}, ErrInvalidQuantity},
		{"negative quantity", domain.CreateSaleRequest{WebsiteID: activeSite, Items: []domain.OrderLineRequest{{ProductID: widgetID, Quantity: 1}, {ProductID: gadgetID, Quantity: -1}}}, ErrInvalidQuantity},
		{"unknown product", domain.CreateSaleRequest{WebsiteID: activeSite, Items: []domain.OrderLineRequest{{ProductID: 404, Quantity: 1}}}, ErrProductUnavailable},
		{"bad payment method", domain.CreateSaleRequest{WebsiteID: activeSite, PaymentMethod: "barter", Items: []domain.OrderLineRequest{{ProductID: widgetID, Quantity: 1}}}, ErrInvalidPaymentMethod},
		{"duplicate lines exceed stock", domain.CreateSaleRequest{WebsiteID: activeSite, Items: []domain.OrderLineRequest{{ProductID: widgetID, Quantity: 3}, {ProductID: widgetID, Quantity: 3}}}, ErrInsufficientStock},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := seedStore()
			svc, pub := newService(t, repo)

			_, err := svc.CreateSale(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.want)
			assert.Empty(t, salesIn(t, repo))
			assert.Equal(t, 5, stockOf(t, repo, widgetID))
			assert.Empty(t, pub.published())
		})
	}
}

func TestCreateSaleInactiveProductIsInputError(t *testing.T) {
	repo := seedStore()
	repo.PutProduct(domain.Product{ID: 3, Name: "Retired", PriceCents: 100, StockQuantity: 10, Active: false})
	svc, _ := newService(t, repo)

	_, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		WebsiteID: activeSite,
		Items:     []domain.OrderLineRequest{{ProductID: 3, Quantity: 1}},
	})
	assert.ErrorIs(t, err, ErrProductUnavailable)
	assert.True(t, IsInputError(err))
	assert.False(t, IsStockConflict(err))
}

func TestCreateSaleMergesDuplicateLines(t *testing.T) {
	repo := seedStore()
	svc, _ := newService(t, repo)

	sale, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		WebsiteID:     activeSite,
		PaymentMethod: " Card ",
		Notes:         "  gift wrap ",
		Items: []domain.OrderLineRequest{
			{ProductID: widgetID, Quantity: 2},
			{ProductID: gadgetID, Quantity: 1},
			{ProductID: widgetID, Quantity: 1},
		},
	})
	require.NoError(t, err)
	require.Len(t, sale.Lines, 2)
	assert.Equal(t, widgetID, sale.Lines[0].ProductID)
	assert.Equal(t, 3, sale.Lines[0].Quantity)
	assert.Equal(t, domain.PaymentCard, sale.PaymentMethod)
	assert.Equal(t, "gift wrap", sale.Notes)
	assert.Equal(t, "system", sale.UserID)
	assert.Equal(t, 2, stockOf(t, repo, widgetID))
}

func TestSaleLinesKeepSnapshotAfterProductChanges(t *testing.T) {
	repo := seedStore()
	svc, _ := newService(t, repo)

	sale, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		WebsiteID: activeSite,
		Items:     []domain.OrderLineRequest{{ProductID: widgetID, Quantity: 1}},
	})
	require.NoError(t, err)

	repo.PutProduct(domain.Product{ID: widgetID, Name: "Widget Pro", PriceCents: 5000, StockQuantity: 4, Active: true})

	stored, err := svc.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	require.Len(t, stored.Lines, 1)
	assert.Equal(t, "Widget", stored.Lines[0].ProductName)
	assert.Equal(t, int64(1000), stored.Lines[0].UnitPriceCents)
	assert.Equal(t, int64(1000), stored.Lines[0].LineTotalCents)
}

func TestListSalesClampsLimitAndFilters(t *testing.T) {
	repo := seedStore()
	repo.PutProduct(domain.Product{ID: widgetID, Name: "Widget", PriceCents: 1000, StockQuantity: 200, Active: true})
	svc, _ := newService(t, repo)

	for i := 0; i < 120; i++ {
		method := domain.PaymentCash
		if i%4 == 0 {
			method = domain.PaymentOnline
		}
		_, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
			WebsiteID:     activeSite,
			PaymentMethod: method,
			Items:         []domain.OrderLineRequest{{ProductID: widgetID, Quantity: 1}},
		})
		require.NoError(t, err)
	}

	list, err := svc.ListSales(context.Background(), domain.SaleFilter{Limit: 500})
	require.NoError(t, err)
	assert.Len(t, list, 100)

	list, err = svc.ListSales(context.Background(), domain.SaleFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 20)

	list, err = svc.ListSales(context.Background(), domain.SaleFilter{PaymentMethod: "ONLINE", Limit: 100})
	require.NoError(t, err)
	assert.Len(t, list, 30)
	for _, s := range list {
		assert.Equal(t, domain.PaymentOnline, s.PaymentMethod)
	}

	_, err = svc.ListSales(context.Background(), domain.SaleFilter{PaymentMethod: "barter"})
	assert.ErrorIs(t, err, ErrInvalidPaymentMethod)
}

func TestAdjustStockRequiresManager(t *testing.T) {
	repo := seedStore()
	svc, _ := newService(t, repo)

	_, err := svc.AdjustStock(context.Background(), widgetID, domain.StockAdjustmentRequest{Delta: 5})
	assert.ErrorIs(t, err, ErrForbidden)

	viewer := WithActor(context.Background(), domain.Actor{Username: "viewer", Role: domain.RoleViewer})
	_, err = svc.AdjustStock(viewer, widgetID, domain.StockAdjustmentRequest{Delta: 5})
	assert.ErrorIs(t, err, ErrForbidden)

	product, err := svc.AdjustStock(asManager(context.Background()), widgetID, domain.StockAdjustmentRequest{Delta: 5, Reason: "delivery"})
	require.NoError(t, err)
	assert.Equal(t, 10, product.StockQuantity)

	_, err = svc.AdjustStock(asManager(context.Background()), widgetID, domain.StockAdjustmentRequest{Delta: -11})
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 10, stockOf(t, repo, widgetID))

	_, err = svc.AdjustStock(asManager(context.Background()), widgetID, domain.StockAdjustmentRequest{})
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = svc.AdjustStock(asManager(context.Background()), 404, domain.StockAdjustmentRequest{Delta: 1})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetProduct(t *testing.T) {
	svc, _ := newService(t, seedStore())

	product, err := svc.GetProduct(context.Background(), gadgetID)
	require.NoError(t, err)
	assert.Equal(t, "Gadget", product.Name)

	_, err = svc.GetProduct(context.Background(), 404)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateSaleStatus(t *testing.T) {
	repo := seedStore()
	svc, pub := newService(t, repo)

	sale, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		WebsiteID: activeSite,
		Items:     []domain.OrderLineRequest{{ProductID: widgetID, Quantity: 1}},
	})
	require.NoError(t, err)
	refunded := "Refunded"

	_, err = svc.UpdateSaleStatus(context.Background(), sale.ID, domain.SaleStatusUpdate{OrderStatus: &refunded})
	assert.ErrorIs(t, err, ErrForbidden)

	viewer := WithActor(context.Background(), domain.Actor{Username: "viewer", Role: domain.RoleViewer})
	_, err = svc.UpdateSaleStatus(viewer, sale.ID, domain.SaleStatusUpdate{OrderStatus: &refunded})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.UpdateSaleStatus(asManager(context.Background()), sale.ID, domain.SaleStatusUpdate{})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	failed := domain.StatusFailed
	_, err = svc.UpdateSaleStatus(asManager(context.Background()), sale.ID, domain.SaleStatusUpdate{OrderStatus: &failed})
	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.True(t, IsInputError(err))

	updated, err := svc.UpdateSaleStatus(asManager(context.Background()), sale.ID, domain.SaleStatusUpdate{OrderStatus: &refunded, PaymentStatus: &refunded})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, updated.OrderStatus)
	assert.Equal(t, domain.StatusRefunded, updated.PaymentStatus)
	assert.Equal(t, sale.TotalCents, updated.TotalCents)
	require.NotNil(t, updated.UpdatedAt)
	assert.Equal(t, 4, stockOf(t, repo, widgetID))
	assert.Len(t, pub.published(), 1)

	_, err = svc.UpdateSaleStatus(asManager(context.Background()), "missing", domain.SaleStatusUpdate{OrderStatus: &refunded})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSaleItemsAndRecentSales(t *testing.T) {
	svc, _ := newService(t, seedStore())

	sale, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		WebsiteID: activeSite,
		Items: []domain.OrderLineRequest{
			{ProductID: widgetID, Quantity: 1},
			{ProductID: gadgetID, Quantity: 1},
		},
	})
	require.NoError(t, err)

	items, err := svc.SaleItems(context.Background(), sale.ID)
	require.NoError(t, err)
	assert.Equal(t, sale.Lines, items)

	_, err = svc.SaleItems(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	recent, err := svc.RecentSales(context.Background())
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, sale.ID, recent[0].ID)
	assert.Equal(t, 2, recent[0].ItemCount)
}

func TestParseDateRange(t *testing.T) {
	karachi := time.FixedZone("PKT", 5*60*60)
	svc := NewService(seedStore(), DefaultTaxPolicy(), karachi, nil)

	from, to, err := svc.ParseDateRange("2026-10-01", "2026-10-01")
	require.NoError(t, err)
	assert.True(t, from.Equal(time.Date(2026, 9, 30, 19, 0, 0, 0, time.UTC)))
	assert.True(t, to.Equal(time.Date(2026, 10, 1, 19, 0, 0, 0, time.UTC)))

	from, to, err = svc.ParseDateRange("2026-10-01T08:00:00Z", "")
	require.NoError(t, err)
	assert.True(t, from.Equal(time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)))
	assert.True(t, to.IsZero())

	_, _, err = svc.ParseDateRange("01/10/2026", "")
	assert.ErrorIs(t, err, ErrInvalidDateRange)
	assert.True(t, IsInputError(err))
}

func TestListSalesDateWindow(t *testing.T) {
	svc, _ := newService(t, seedStore())
	_, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		WebsiteID: activeSite,
		Items:     []domain.OrderLineRequest{{ProductID: widgetID, Quantity: 1}},
	})
	require.NoError(t, err)

	now := time.Now()
	list, err := svc.ListSales(context.Background(), domain.SaleFilter{From: now.Add(-time.Hour), To: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = svc.ListSales(context.Background(), domain.SaleFilter{From: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = svc.ListSales(context.Background(), domain.SaleFilter{From: now, To: now})
	assert.ErrorIs(t, err, ErrInvalidDateRange)
}

func TestLowStock(t *testing.T) {
	repo := seedStore()
	repo.PutProduct(domain.Product{ID: widgetID, SKU: "W-1", Name: "Widget", PriceCents: 1000, StockQuantity: 5, ReorderLevel: 8, Active: true})
	repo.PutProduct(domain.Product{ID: gadgetID, SKU: "G-1", Name: "Gadget", PriceCents: 500, StockQuantity: 1, ReorderLevel: 2, Active: true})
	svc, _ := newService(t, repo)

	low, err := svc.LowStock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.LowStockProduct{
		{ID: widgetID, SKU: "W-1", Name: "Widget", StockQuantity: 5, ReorderLevel: 8, Shortage: 3},
		{ID: gadgetID, SKU: "G-1", Name: "Gadget", StockQuantity: 1, ReorderLevel: 2, Shortage: 1},
	}, low)
}
